// Package workflow is the per-panic state machine: one handler per phase,
// an engine that dispatches on the persisted status, applies the result,
// and loops until the panic is terminal. Handlers hold no state between
// invocations; everything they need arrives in the HandlerContext and
// everything they decide leaves in the HandlerResult.
package workflow

import (
	"context"
	"time"

	"github.com/zjrosen/mend/internal/agent"
	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/store"
)

// errorExcerptLimit bounds the stderr excerpt carried into workflow
// errors.
const errorExcerptLimit = 200

// AgentRunner is the slice of the agent driver the handlers consume.
type AgentRunner interface {
	SetupTools(ctx context.Context, session string) error
	Spawn(ctx context.Context, cfg agent.SpawnConfig) (*agent.Result, error)
}

// EventLogger is the slice of the store handlers use for durable log
// events. Status persistence stays with the engine.
type EventLogger interface {
	InsertLog(ev store.LogEvent) error
}

// HandlerContext carries a phase handler's inputs.
type HandlerContext struct {
	Panic       *store.PanicFix
	SessionName string
	BranchName  string
	Config      config.Config
	Sandbox     sandbox.Adapter
	Logger      EventLogger
	Agents      AgentRunner
}

// HandlerResult is a phase handler's verdict: where to go next, plus the
// fields the engine should persist alongside the transition.
type HandlerResult struct {
	Next       store.Status
	Error      string // set when Next is needs_human_review
	BranchName string
	PRURL      string
	Retry      bool // re-run the same phase instead of advancing
}

// Handler is one phase of the workflow.
type Handler func(ctx context.Context, hc *HandlerContext) HandlerResult

// review builds the terminalizing result for a handler failure.
func review(msg string) HandlerResult {
	return HandlerResult{Next: store.StatusNeedsHumanReview, Error: msg}
}

// excerpt clips provider/tool stderr for workflow-error records.
func excerpt(s string) string {
	if len(s) <= errorExcerptLimit {
		return s
	}
	return s[:errorExcerptLimit]
}

// logEvent writes a durable log record, best effort.
func logEvent(hc *HandlerContext, level store.LogLevel, phase, message string, details map[string]string) {
	if hc.Logger == nil {
		return
	}
	_ = hc.Logger.InsertLog(store.LogEvent{
		PanicLocation: hc.Panic.PanicLocation,
		Phase:         phase,
		Level:         level,
		Message:       message,
		Details:       details,
		Timestamp:     time.Now(),
	})
}
