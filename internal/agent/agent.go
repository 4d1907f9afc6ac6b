// Package agent launches the external reasoning subprocess for a phase and
// supervises it: MCP tool setup beforehand, a wall-clock deadline while it
// runs, heartbeat logging from the IPC server, and a structured result
// afterwards. One Spawn call is one attempt; retries are the engine's
// decision, not the driver's.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/mend/internal/ipc"
	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/sandbox"
)

// Kind selects which reasoning agent to launch.
type Kind string

const (
	KindReproducer Kind = "reproducer"
	KindFixer      Kind = "fixer"
)

// stderrLimit bounds how much stderr is carried into results and logs.
const stderrLimit = 500

// ErrTimeout marks an agent that exceeded its wall-clock budget.
var ErrTimeout = errors.New("agent timed out")

// Result reports one agent invocation.
type Result struct {
	Success  bool
	TimedOut bool
	ExitCode int
	Stderr   string
	Elapsed  time.Duration
}

// CommandFactoryFunc creates an exec.Cmd. Tests inject a factory to avoid
// spawning a real agent binary.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Driver spawns reasoning agents bound to sandbox sessions.
type Driver struct {
	bin            string
	sandbox        sandbox.Adapter
	heartbeats     *ipc.Server
	commandFactory CommandFactoryFunc
}

// Option configures a Driver.
type Option func(*Driver)

// WithCommandFactory overrides exec.CommandContext, for tests.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(d *Driver) {
		d.commandFactory = fn
	}
}

// NewDriver creates a driver launching bin. The sandbox adapter is used
// for pre-phase tool setup; ipcSrv supplies the heartbeat stream and the
// endpoint agents report to.
func NewDriver(bin string, sb sandbox.Adapter, ipcSrv *ipc.Server, opts ...Option) *Driver {
	d := &Driver{
		bin:            bin,
		sandbox:        sb,
		heartbeats:     ipcSrv,
		commandFactory: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetupTools registers the orchestrator's MCP endpoint inside the session
// so the agent can reach it. Idempotent: an already-registered endpoint is
// not an error.
func (d *Driver) SetupTools(ctx context.Context, session string) error {
	endpoint := fmt.Sprintf("http://host.docker.internal:%d/rpc", d.heartbeats.Port())
	cmd := fmt.Sprintf("%s mcp add --transport http mend %s", d.bin, endpoint)

	res, err := d.sandbox.RunInSession(ctx, session, cmd)
	if err != nil {
		return fmt.Errorf("mcp setup in %s: %w", session, err)
	}
	if !res.Ok() && !strings.Contains(res.Combined(), "already exists") {
		return fmt.Errorf("mcp setup in %s failed: %s", session, Truncate(res.Stderr))
	}
	log.Debug(log.CatAgent, "MCP tools ready", "session", session)
	return nil
}

// SpawnConfig parameterizes one agent invocation.
type SpawnConfig struct {
	Kind       Kind
	Session    string
	PromptPath string
	Timeout    time.Duration
}

// Spawn launches the agent and blocks until it exits or the deadline
// kills it. The returned Result is always non-nil; the error return is
// reserved for failures to start at all.
func (d *Driver) Spawn(ctx context.Context, cfg SpawnConfig) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	args := []string{
		"run",
		"--session", cfg.Session,
		"--prompt-file", cfg.PromptPath,
		"--agent", string(cfg.Kind),
	}
	//nolint:gosec // G204: args are built from controlled inputs
	cmd := d.commandFactory(runCtx, d.bin, args...)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("MEND_IPC_URL=http://127.0.0.1:%d/rpc", d.heartbeats.Port()))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	log.Info(log.CatAgent, "Spawning agent",
		"kind", cfg.Kind, "session", cfg.Session, "timeout", cfg.Timeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s agent: %w", cfg.Kind, err)
	}

	// Mirror heartbeats for this session into the log while the agent
	// runs.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go d.watchHeartbeats(hbCtx, cfg.Session)

	err := cmd.Wait()
	elapsed := time.Since(start)

	res := &Result{
		Elapsed: elapsed,
		Stderr:  Truncate(stderr.String()),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn(log.CatAgent, "Agent timed out",
			"kind", cfg.Kind, "session", cfg.Session,
			"elapsed", elapsed, "limit", cfg.Timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		log.Warn(log.CatAgent, "Agent failed",
			"kind", cfg.Kind, "session", cfg.Session,
			"exitCode", res.ExitCode, "stderr", res.Stderr)
	default:
		res.Success = true
		log.Info(log.CatAgent, "Agent finished",
			"kind", cfg.Kind, "session", cfg.Session, "elapsed", elapsed)
	}
	return res, nil
}

// watchHeartbeats logs beats for one session until ctx is cancelled.
func (d *Driver) watchHeartbeats(ctx context.Context, session string) {
	beats := d.heartbeats.Heartbeats().Subscribe(ctx)
	for hb := range beats {
		if hb.Session != session {
			continue
		}
		log.Debug(log.CatAgent, "Heartbeat",
			"session", session, "phase", hb.Phase, "message", hb.Message)
	}
}

// Truncate clips s to the stderr carry limit.
func Truncate(s string) string {
	if len(s) <= stderrLimit {
		return s
	}
	return s[:stderrLimit]
}
