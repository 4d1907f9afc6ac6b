package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	viperlib "github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "origin", cfg.PRRemote)
	assert.Equal(t, "main", cfg.PRBase)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.False(t, cfg.SkipPreflight)
	assert.Zero(t, cfg.MaxPhaseRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty store url", func(c *Config) { c.TursoURL = "" }, "turso_url"},
		{"zero reproducer timeout", func(c *Config) { c.ReproducerTimeout = 0 }, "reproducer_timeout"},
		{"negative fixer timeout", func(c *Config) { c.FixerTimeout = -time.Second }, "fixer_timeout"},
		{"zero pool", func(c *Config) { c.WorkerPoolSize = 0 }, "worker_pool_size"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"negative retries", func(c *Config) { c.MaxPhaseRetries = -1 }, "max_phase_retries"},
		{"bad port", func(c *Config) { c.IPCPort = 70000 }, "ipc_port"},
		{"empty remote", func(c *Config) { c.PRRemote = "" }, "pr_remote"},
		{"empty base", func(c *Config) { c.PRBase = "" }, "pr_base"},
		{"empty sandbox bin", func(c *Config) { c.SandboxBin = "" }, "sandbox_bin"},
		{"empty agent bin", func(c *Config) { c.AgentBin = "" }, "agent_bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// loadYAML mirrors how the CLI loads configuration: viper with
// UnmarshalExact over the closed record.
func loadYAML(t *testing.T, content string) (Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v := viperlib.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	err := v.UnmarshalExact(&cfg)
	return cfg, err
}

func TestLoadKnownKeys(t *testing.T) {
	cfg, err := loadYAML(t, `
turso_url: "file:custom.db"
reproducer_timeout: 15m
worker_pool_size: 8
skip_preflight: true
tracing:
  enabled: true
  exporter: file
  file_path: traces/mend.jsonl
`)
	require.NoError(t, err)
	assert.Equal(t, "file:custom.db", cfg.TursoURL)
	assert.Equal(t, 15*time.Minute, cfg.ReproducerTimeout)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.True(t, cfg.SkipPreflight)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "file", cfg.Tracing.Exporter)
	assert.Equal(t, "traces/mend.jsonl", cfg.Tracing.FilePath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := loadYAML(t, `
turso_url: "file:custom.db"
worker_poool_size: 8
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_poool_size")
}

func TestLoadRejectsUnknownNestedKeys(t *testing.T) {
	_, err := loadYAML(t, `
tracing:
  enabled: true
  flush_interval: 5s
`)
	assert.Error(t, err)
}
