package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/zjrosen/mend/internal/cachemanager"
	"github.com/zjrosen/mend/internal/log"
)

// existsCacheTTL bounds how stale a positive SessionExists answer can be.
const existsCacheTTL = 30 * time.Second

// CommandFactoryFunc creates an exec.Cmd. Tests inject a factory to avoid
// spawning the real provider CLI.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// CLIAdapter implements Adapter by shelling out to the sandbox provider's
// CLI: `<bin> create|exists|delete <session>` and
// `<bin> exec <session> -- bash -lc <command>`.
type CLIAdapter struct {
	bin            string
	commandFactory CommandFactoryFunc
	existsCache    cachemanager.CacheManager[bool]
}

var _ Adapter = (*CLIAdapter)(nil)

// CLIOption configures a CLIAdapter.
type CLIOption func(*CLIAdapter)

// WithCommandFactory overrides exec.CommandContext, for tests.
func WithCommandFactory(fn CommandFactoryFunc) CLIOption {
	return func(a *CLIAdapter) {
		a.commandFactory = fn
	}
}

// NewCLIAdapter creates an adapter driving the provider binary at bin.
func NewCLIAdapter(bin string, opts ...CLIOption) *CLIAdapter {
	a := &CLIAdapter{
		bin:            bin,
		commandFactory: exec.CommandContext,
		existsCache: cachemanager.NewInMemory[bool](
			"session-exists", existsCacheTTL, cachemanager.DefaultCleanupInterval),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run executes the provider CLI and splits outcomes: an exec.ExitError is
// a command result, anything else means the session (or provider) is
// unreachable.
func (a *CLIAdapter) run(ctx context.Context, session string, args ...string) (*Result, error) {
	//nolint:gosec // G204: args are built from controlled inputs
	cmd := a.commandFactory(ctx, a.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, unreachable(session, err)
	}
	return res, nil
}

// RunInSession executes a shell command inside the named session.
func (a *CLIAdapter) RunInSession(ctx context.Context, session, command string) (*Result, error) {
	log.Debug(log.CatSandbox, "Running command", "session", session, "command", command)
	res, err := a.run(ctx, session, "exec", session, "--", "bash", "-lc", command)
	if err != nil {
		a.existsCache.Delete(ctx, session)
		return nil, err
	}
	if !res.Ok() {
		log.Debug(log.CatSandbox, "Command exited non-zero",
			"session", session, "exitCode", res.ExitCode)
	}
	return res, nil
}

// SessionExists reports whether the session is live. Positive answers are
// cached briefly; negatives always hit the provider.
func (a *CLIAdapter) SessionExists(ctx context.Context, session string) (bool, error) {
	if exists, ok := a.existsCache.Get(ctx, session); ok && exists {
		return true, nil
	}

	res, err := a.run(ctx, session, "exists", session)
	if err != nil {
		return false, err
	}
	exists := res.Ok()
	if exists {
		a.existsCache.Set(ctx, session, true, existsCacheTTL)
	}
	return exists, nil
}

// CreateSession provisions a fresh session.
func (a *CLIAdapter) CreateSession(ctx context.Context, session string) error {
	log.Info(log.CatSandbox, "Creating session", "session", session)
	res, err := a.run(ctx, session, "create", session)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return unreachable(session, errors.New("create failed: "+res.Stderr))
	}
	a.existsCache.Set(ctx, session, true, existsCacheTTL)
	return nil
}

// DeleteSession tears the session down. An already-absent session is fine.
func (a *CLIAdapter) DeleteSession(ctx context.Context, session string) error {
	log.Info(log.CatSandbox, "Deleting session", "session", session)
	a.existsCache.Delete(ctx, session)
	res, err := a.run(ctx, session, "delete", session)
	if err != nil {
		return err
	}
	if !res.Ok() && !bytes.Contains([]byte(res.Combined()), []byte("not found")) {
		return unreachable(session, errors.New("delete failed: "+res.Stderr))
	}
	return nil
}
