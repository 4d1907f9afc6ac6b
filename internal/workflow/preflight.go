package workflow

import (
	"context"
	"fmt"

	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/store"
)

// runStep executes one shell step in the session. The second return is
// non-nil when the phase must terminalize because the session itself is
// unreachable.
func runStep(ctx context.Context, hc *HandlerContext, command string) (*sandbox.Result, *HandlerResult) {
	res, err := hc.Sandbox.RunInSession(ctx, hc.SessionName, command)
	if err != nil {
		r := review(fmt.Sprintf("sandbox unreachable running %q: %v", command, err))
		return nil, &r
	}
	return res, nil
}

// Preflight gates the workflow on a clean build and test run of the
// unmodified tree. A broken environment is a human's problem, not an
// agent's.
func Preflight(ctx context.Context, hc *HandlerContext) HandlerResult {
	logEvent(hc, store.LevelInfo, "preflight", "running build gate", nil)

	res, fail := runStep(ctx, hc, "make")
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("Build failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	res, fail = runStep(ctx, hc, "make test")
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("Tests failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	return HandlerResult{Next: store.StatusRepoSetup}
}
