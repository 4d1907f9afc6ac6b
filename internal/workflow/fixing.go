package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/mend/internal/agent"
	"github.com/zjrosen/mend/internal/shellquote"
	"github.com/zjrosen/mend/internal/store"
)

// Fixing hands the session to the fixer agent, then tidies and commits
// whatever it produced. Lint and format problems are warnings; losing the
// agent's work to a failed commit is not.
func Fixing(ctx context.Context, hc *HandlerContext) HandlerResult {
	loc := hc.Panic.PanicLocation
	logEvent(hc, store.LevelInfo, "fixing", "spawning fixer agent", nil)

	promptPath, err := PromptPath(agent.KindFixer)
	if err != nil {
		return review("fixer prompt unavailable: " + err.Error())
	}

	res, err := hc.Agents.Spawn(ctx, agent.SpawnConfig{
		Kind:       agent.KindFixer,
		Session:    hc.SessionName,
		PromptPath: promptPath,
		Timeout:    hc.Config.FixerTimeout,
	})
	if err != nil {
		return review("spawning fixer agent: " + err.Error())
	}
	if res.TimedOut {
		return review(fmt.Sprintf("fixer agent timed out after %dms (limit %dms)",
			res.Elapsed.Milliseconds(), hc.Config.FixerTimeout.Milliseconds()))
	}
	if !res.Success {
		return review(fmt.Sprintf("fixer agent failed: exit %d: %s",
			res.ExitCode, excerpt(res.Stderr)))
	}

	// Tidy passes. Neither failing is worth losing the fix over.
	cmdRes, fail := runStep(ctx, hc, "cargo clippy --fix --allow-dirty --all-features")
	if fail != nil {
		return *fail
	}
	if !cmdRes.Ok() {
		logEvent(hc, store.LevelWarn, "fixing", "clippy failed",
			map[string]string{"stderr": excerpt(cmdRes.Stderr)})
	}
	cmdRes, fail = runStep(ctx, hc, "cargo fmt")
	if fail != nil {
		return *fail
	}
	if !cmdRes.Ok() {
		logEvent(hc, store.LevelWarn, "fixing", "cargo fmt failed",
			map[string]string{"stderr": excerpt(cmdRes.Stderr)})
	}

	cmdRes, fail = runStep(ctx, hc, "git add -A")
	if fail != nil {
		return *fail
	}
	if !cmdRes.Ok() {
		return review(fmt.Sprintf("staging fix failed: exit %d: %s",
			cmdRes.ExitCode, excerpt(cmdRes.Stderr)))
	}

	cmdRes, fail = runStep(ctx, hc, "git commit -m "+shellquote.Single("fix: "+loc))
	if fail != nil {
		return *fail
	}
	if !cmdRes.Ok() {
		// The agent may have committed its own work already.
		if strings.Contains(cmdRes.Combined(), "nothing to commit") {
			logEvent(hc, store.LevelWarn, "fixing", "nothing to commit; agent committed its own changes", nil)
		} else {
			return review(fmt.Sprintf("fix commit failed: exit %d: %s",
				cmdRes.ExitCode, excerpt(cmdRes.Stderr)))
		}
	}

	return HandlerResult{Next: store.StatusShipping}
}
