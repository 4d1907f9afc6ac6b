// Package config provides configuration types and defaults for mend.
package config

import (
	"fmt"
	"time"

	"github.com/zjrosen/mend/internal/tracing"
)

// Config holds all configuration options for the orchestrator. The record
// is closed: loading rejects keys that do not map to a field here.
type Config struct {
	// TursoURL is the durable store location. Accepts a file path URL
	// ("file:mend.db") or ":memory:" for tests.
	TursoURL string `mapstructure:"turso_url"`

	// ReproducerTimeout is the wall-clock limit for the reproducer agent.
	ReproducerTimeout time.Duration `mapstructure:"reproducer_timeout"`

	// FixerTimeout is the wall-clock limit for the fixer agent.
	FixerTimeout time.Duration `mapstructure:"fixer_timeout"`

	// WorkerPoolSize is the number of panics worked concurrently.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	// PollInterval is how often the scheduler asks the store for pending
	// panics.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PRRemote is the git remote branches are pushed to.
	PRRemote string `mapstructure:"pr_remote"`

	// PRBase is the base branch pull requests target.
	PRBase string `mapstructure:"pr_base"`

	// SkipPreflight folds the build/test gate into startup: freshly
	// claimed panics move straight to repo_setup.
	SkipPreflight bool `mapstructure:"skip_preflight"`

	// MaxPhaseRetries bounds in-phase retries requested by handlers.
	// 0 disables retries; failures terminalize immediately.
	MaxPhaseRetries int `mapstructure:"max_phase_retries"`

	// IngestDir is a spool directory watched for panic report JSON files.
	// Empty disables the watcher.
	IngestDir string `mapstructure:"ingest_dir"`

	// IPCPort is the TCP port the heartbeat server binds on localhost.
	// 0 picks a free port.
	IPCPort int `mapstructure:"ipc_port"`

	// SandboxBin is the sandbox provider CLI.
	SandboxBin string `mapstructure:"sandbox_bin"`

	// AgentBin is the reasoning agent CLI launched per phase.
	AgentBin string `mapstructure:"agent_bin"`

	// Tracing configures the otel tracer provider.
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		TursoURL:          "file:mend.db",
		ReproducerTimeout: 30 * time.Minute,
		FixerTimeout:      45 * time.Minute,
		WorkerPoolSize:    4,
		PollInterval:      10 * time.Second,
		PRRemote:          "origin",
		PRBase:            "main",
		SkipPreflight:     false,
		MaxPhaseRetries:   0,
		IngestDir:         "",
		IPCPort:           0,
		SandboxBin:        "sandboxctl",
		AgentBin:          "claude",
		Tracing:           tracing.DefaultConfig(),
	}
}

// Validate checks the configuration for values the orchestrator cannot run
// with. It is called once at startup, after unmarshalling.
func Validate(cfg Config) error {
	if cfg.TursoURL == "" {
		return fmt.Errorf("turso_url must not be empty")
	}
	if cfg.ReproducerTimeout <= 0 {
		return fmt.Errorf("reproducer_timeout must be positive, got %s", cfg.ReproducerTimeout)
	}
	if cfg.FixerTimeout <= 0 {
		return fmt.Errorf("fixer_timeout must be positive, got %s", cfg.FixerTimeout)
	}
	if cfg.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive, got %d", cfg.WorkerPoolSize)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.MaxPhaseRetries < 0 {
		return fmt.Errorf("max_phase_retries must not be negative, got %d", cfg.MaxPhaseRetries)
	}
	if cfg.IPCPort < 0 || cfg.IPCPort > 65535 {
		return fmt.Errorf("ipc_port out of range: %d", cfg.IPCPort)
	}
	if cfg.PRRemote == "" {
		return fmt.Errorf("pr_remote must not be empty")
	}
	if cfg.PRBase == "" {
		return fmt.Errorf("pr_base must not be empty")
	}
	if cfg.SandboxBin == "" {
		return fmt.Errorf("sandbox_bin must not be empty")
	}
	if cfg.AgentBin == "" {
		return fmt.Errorf("agent_bin must not be empty")
	}
	return nil
}
