package log

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	Info(CatEngine, "Transition", "location", "src/vdbe.c:1234", "to", "fixing")

	line := strings.TrimSuffix(buf.String(), "\n")
	assert.Contains(t, line, "[INFO] [engine] Transition")
	assert.Contains(t, line, "location=src/vdbe.c:1234")
	assert.Contains(t, line, "to=fixing")
}

func TestFieldValuesWithSpacesAreQuoted(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	Warn(CatAgent, "Agent failed", "stderr", "seed search crashed")

	assert.Contains(t, buf.String(), `stderr="seed search crashed"`)
}

func TestDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	Debug(CatSched, "poll", "orphan")

	assert.Contains(t, buf.String(), "orphan=!MISSING")
}

func TestMinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()
	SetMinLevel(LevelWarn)

	Info(CatStore, "suppressed")
	Error(CatStore, "kept")

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "kept")
}

func TestErrorErrAppendsError(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	ErrorErr(CatStore, "query failed", assert.AnError)
	assert.Contains(t, buf.String(), "error=")

	buf.Reset()
	ErrorErr(CatStore, "no cause", nil)
	assert.Contains(t, buf.String(), "error=<nil>")
}

func TestListenerReceivesEntries(t *testing.T) {
	var buf bytes.Buffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entries := NewListener(ctx)
	require.NotNil(t, entries)

	Info(CatIngest, "Report ingested", "path", "spool/a.json")

	select {
	case e := <-entries:
		assert.Equal(t, LevelInfo, e.Level)
		assert.Equal(t, CatIngest, e.Category)
		assert.Equal(t, "Report ingested", e.Message)
		assert.Contains(t, e.Line, "path=spool/a.json")
	case <-time.After(time.Second):
		t.Fatal("no entry received")
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}
