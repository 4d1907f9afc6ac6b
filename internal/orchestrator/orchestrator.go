// Package orchestrator wires the subsystems together and owns their
// lifecycle: store, IPC server, tracing, sandbox adapter, agent driver,
// workflow engine, scheduler, and the optional spool watcher. The
// process-wide store handle and IPC server are created and torn down here.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/zjrosen/mend/internal/agent"
	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/ingest"
	"github.com/zjrosen/mend/internal/ipc"
	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/scheduler"
	"github.com/zjrosen/mend/internal/store"
	"github.com/zjrosen/mend/internal/tracing"
	"github.com/zjrosen/mend/internal/workflow"
)

// Orchestrator is the assembled daemon.
type Orchestrator struct {
	cfg config.Config

	store     *store.Store
	ipcServer *ipc.Server
	tracer    *tracing.Provider
	sched     *scheduler.Scheduler
	watcher   *ingest.Watcher

	cleanedUp atomic.Bool
}

// New assembles an orchestrator from configuration. Nothing is started
// yet; Run brings the subsystems up.
func New(cfg config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store.New(cfg.TursoURL),
		ipcServer: ipc.NewServer(),
	}
}

// Run starts every subsystem, blocks until ctx is cancelled, and cleans
// up. The returned error is non-nil for startup failures: a store that
// cannot connect or an IPC listener that cannot bind.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Cleanup()

	if err := o.store.Connect(); err != nil {
		return fmt.Errorf("connecting store: %w", err)
	}
	if err := o.store.InitSchema(); err != nil {
		return fmt.Errorf("initializing store schema: %w", err)
	}

	if _, err := o.ipcServer.Start(o.cfg.IPCPort); err != nil {
		return fmt.Errorf("starting ipc server: %w", err)
	}

	tracer, err := tracing.NewProvider(o.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	o.tracer = tracer

	sb := sandbox.NewCLIAdapter(o.cfg.SandboxBin)
	agents := agent.NewDriver(o.cfg.AgentBin, sb, o.ipcServer)
	engine := workflow.NewEngine(o.store, sb, agents, o.cfg, tracer.Tracer())
	o.sched = scheduler.New(o.store, engine, sb, o.cfg)

	if o.cfg.IngestDir != "" {
		w, err := ingest.NewWatcher(o.store, o.cfg.IngestDir)
		if err != nil {
			return fmt.Errorf("creating spool watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting spool watcher: %w", err)
		}
		o.watcher = w
	}

	_ = o.store.InsertLog(store.LogEvent{
		Level:   store.LevelSystem,
		Message: "orchestrator started",
		Details: map[string]string{
			"pool_size":     fmt.Sprintf("%d", o.cfg.WorkerPoolSize),
			"poll_interval": o.cfg.PollInterval.String(),
		},
	})

	// Blocks until ctx is cancelled and all workers drain.
	return o.sched.Run(ctx)
}

// Cleanup tears the process-wide state down in a fixed order: spool watcher
// and tracer, then the IPC server, then the completion marker, then the
// store. Every step runs even
// when an earlier one fails; errors go to stderr. Calling Cleanup again is
// a no-op.
func (o *Orchestrator) Cleanup() {
	if o.cleanedUp.Swap(true) {
		return
	}

	if o.watcher != nil {
		if err := o.watcher.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "stopping spool watcher: %v\n", err)
		}
	}
	if o.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.tracer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutting down tracing: %v\n", err)
		}
		cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ipcServer.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "stopping ipc server: %v\n", err)
	}

	log.Info(log.CatSched, "Cleanup complete")
	_ = o.store.InsertLog(store.LogEvent{
		Level:   store.LevelSystem,
		Message: "cleanup complete",
	})

	if err := o.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
	}
}

// Store exposes the durable store for subcommands sharing the wiring.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}
