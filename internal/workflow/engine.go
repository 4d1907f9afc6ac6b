package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/slug"
	"github.com/zjrosen/mend/internal/store"
)

// Engine drives one panic at a time through the state machine. It owns no
// in-memory status: every step re-reads the store, dispatches the handler
// matching the persisted status, and persists the result before looking at
// the record again.
type Engine struct {
	store    *store.Store
	sandbox  sandbox.Adapter
	agents   AgentRunner
	cfg      config.Config
	tracer   trace.Tracer
	handlers map[store.Status]Handler
}

// NewEngine wires an engine. A nil tracer disables spans.
func NewEngine(st *store.Store, sb sandbox.Adapter, agents AgentRunner, cfg config.Config, tracer trace.Tracer) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	e := &Engine{
		store:   st,
		sandbox: sb,
		agents:  agents,
		cfg:     cfg,
		tracer:  tracer,
	}
	e.handlers = map[store.Status]Handler{
		store.StatusPreflight:   Preflight,
		store.StatusRepoSetup:   RepoSetup,
		store.StatusReproducing: Reproducing,
		store.StatusFixing:      Fixing,
		store.StatusShipping:    Shipping,
	}
	return e
}

// Run drives a claimed panic until its status is terminal or ctx is
// cancelled. Cancellation is honored only at phase boundaries; a running
// handler always completes and its result is persisted.
func (e *Engine) Run(ctx context.Context, location string) error {
	session := slug.SessionName(location)
	if err := e.ensureSession(ctx, session); err != nil {
		return err
	}

	for {
		p, err := e.store.GetPanicFix(location)
		if err != nil {
			return fmt.Errorf("reading %s: %w", location, err)
		}
		if p == nil {
			return fmt.Errorf("panic %s disappeared from store", location)
		}
		if p.Status.IsTerminal() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			log.Info(log.CatEngine, "Drain: leaving panic at phase boundary",
				"location", location, "status", p.Status)
			return nil
		}

		if err := e.Step(ctx, p); err != nil {
			return err
		}
	}
}

// Step executes the handler for the record's current status and persists
// the outcome. Handler failures never propagate as errors; they become
// needs_human_review transitions. The returned error means the store
// itself failed.
func (e *Engine) Step(ctx context.Context, p *store.PanicFix) error {
	handler, ok := e.handlers[p.Status]
	if !ok {
		// A pending record reaching the engine means the claim was not
		// persisted; terminalizing would hide the scheduler bug, so
		// surface it.
		return fmt.Errorf("no handler for status %s of %s", p.Status, p.PanicLocation)
	}

	hc := &HandlerContext{
		Panic:       p,
		SessionName: slug.SessionName(p.PanicLocation),
		BranchName:  slug.BranchName(p.PanicLocation),
		Config:      e.cfg,
		Sandbox:     e.sandbox,
		Logger:      e.store,
		Agents:      e.agents,
	}

	spanCtx, span := e.tracer.Start(ctx, "phase."+string(p.Status),
		trace.WithAttributes(attribute.String("panic.location", p.PanicLocation)))
	res := e.invoke(spanCtx, handler, hc)
	span.End()

	return e.apply(p, res)
}

// invoke runs a handler, converting a panic inside it into a
// needs_human_review result instead of taking the worker down.
func (e *Engine) invoke(ctx context.Context, handler Handler, hc *HandlerContext) (res HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEngine, "Handler panicked",
				"location", hc.Panic.PanicLocation, "status", hc.Panic.Status, "panic", r)
			res = review(fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, hc)
}

// apply persists a handler result: terminalization, retry accounting, or
// a forward transition.
func (e *Engine) apply(p *store.PanicFix, res HandlerResult) error {
	location := p.PanicLocation

	if res.Next == store.StatusNeedsHumanReview {
		we := store.WorkflowError{
			Phase:     string(p.Status),
			Error:     res.Error,
			Timestamp: time.Now(),
		}
		if err := e.store.MarkNeedsHumanReview(location, we); err != nil {
			return fmt.Errorf("terminalizing %s: %w", location, err)
		}
		e.logTransition(p, store.StatusNeedsHumanReview, store.LevelError, res.Error)
		return nil
	}

	if res.Retry {
		if p.RetryCount+1 > e.cfg.MaxPhaseRetries {
			we := store.WorkflowError{
				Phase:     string(p.Status),
				Error:     fmt.Sprintf("retries exhausted after %d attempts: %s", p.RetryCount+1, res.Error),
				Timestamp: time.Now(),
			}
			if err := e.store.MarkNeedsHumanReview(location, we); err != nil {
				return fmt.Errorf("terminalizing %s: %w", location, err)
			}
			e.logTransition(p, store.StatusNeedsHumanReview, store.LevelError, we.Error)
			return nil
		}
		if err := e.store.IncrementRetryCount(location); err != nil {
			return fmt.Errorf("counting retry for %s: %w", location, err)
		}
		log.Warn(log.CatEngine, "Retrying phase",
			"location", location, "status", p.Status, "attempt", p.RetryCount+1)
		return nil
	}

	if !AllowedTransition(p.Status, res.Next, e.cfg.SkipPreflight) {
		// A handler asking for an illegal edge is a programming error;
		// park the panic rather than corrupt the machine.
		we := store.WorkflowError{
			Phase:     string(p.Status),
			Error:     fmt.Sprintf("illegal transition %s -> %s", p.Status, res.Next),
			Timestamp: time.Now(),
		}
		if err := e.store.MarkNeedsHumanReview(location, we); err != nil {
			return fmt.Errorf("terminalizing %s: %w", location, err)
		}
		e.logTransition(p, store.StatusNeedsHumanReview, store.LevelError, we.Error)
		return nil
	}

	var fields *store.StatusFields
	if res.BranchName != "" || res.PRURL != "" {
		fields = &store.StatusFields{BranchName: res.BranchName, PRURL: res.PRURL}
	}
	if err := e.store.UpdatePanicStatus(location, res.Next, fields); err != nil {
		return fmt.Errorf("advancing %s to %s: %w", location, res.Next, err)
	}
	// The phase behind this transition may have been a retry attempt;
	// moving forward wipes the slate.
	if p.RetryCount > 0 {
		if err := e.store.ResetRetryCount(location); err != nil {
			return fmt.Errorf("resetting retries for %s: %w", location, err)
		}
	}
	e.logTransition(p, res.Next, store.LevelInfo, "")
	return nil
}

func (e *Engine) logTransition(p *store.PanicFix, next store.Status, level store.LogLevel, detail string) {
	log.Info(log.CatEngine, "Transition",
		"location", p.PanicLocation, "from", p.Status, "to", next)

	details := map[string]string{
		"from": string(p.Status),
		"to":   string(next),
	}
	if detail != "" {
		details["error"] = detail
	}
	_ = e.store.InsertLog(store.LogEvent{
		PanicLocation: p.PanicLocation,
		Phase:         string(p.Status),
		Level:         level,
		Message:       fmt.Sprintf("transition %s -> %s", p.Status, next),
		Details:       details,
		Timestamp:     time.Now(),
	})
}

// ensureSession provisions the per-panic sandbox session if it is not
// already live. Retries recreate it after teardown.
func (e *Engine) ensureSession(ctx context.Context, session string) error {
	exists, err := e.sandbox.SessionExists(ctx, session)
	if err != nil {
		return fmt.Errorf("checking session %s: %w", session, err)
	}
	if exists {
		return nil
	}
	if err := e.sandbox.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("creating session %s: %w", session, err)
	}
	return nil
}
