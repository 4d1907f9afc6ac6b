package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterRequiresPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "file"

	_, err := NewProvider(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path")
}

func TestUnsupportedExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "carrier-pigeon"

	_, err := NewProvider(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "mend.jsonl")

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "file"
	cfg.FilePath = path

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "phase.preflight")
	span.SetAttributes(attribute.String("panic.location", "src/vdbe.c:1234"))
	span.End()

	// Shutdown flushes the batcher.
	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path) //nolint:gosec // test temp path
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var found bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		if rec["name"] == "phase.preflight" {
			found = true
			attrs, ok := rec["attributes"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "src/vdbe.c:1234", attrs["panic.location"])
			assert.NotEmpty(t, rec["trace_id"])
		}
	}
	require.NoError(t, scanner.Err())
	assert.True(t, found, "span record not written")
}

func TestFileExporterShutdownTwice(t *testing.T) {
	e, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}
