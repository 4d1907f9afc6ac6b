package workflow

import (
	"context"
	"fmt"

	"github.com/zjrosen/mend/internal/agent"
	"github.com/zjrosen/mend/internal/store"
)

// Reproducing sets up the agent tooling and hands the session to the
// reproducer agent. The agent is expected to find a failing seed, explain
// the simulator gap, record both in the context document, and commit its
// changes; the final completeness check happens in shipping.
func Reproducing(ctx context.Context, hc *HandlerContext) HandlerResult {
	if err := hc.Agents.SetupTools(ctx, hc.SessionName); err != nil {
		return review("MCP tool setup failed: " + err.Error())
	}

	logEvent(hc, store.LevelInfo, "reproducing", "spawning reproducer agent", nil)

	promptPath, err := PromptPath(agent.KindReproducer)
	if err != nil {
		return review("reproducer prompt unavailable: " + err.Error())
	}

	res, err := hc.Agents.Spawn(ctx, agent.SpawnConfig{
		Kind:       agent.KindReproducer,
		Session:    hc.SessionName,
		PromptPath: promptPath,
		Timeout:    hc.Config.ReproducerTimeout,
	})
	if err != nil {
		return review("spawning reproducer agent: " + err.Error())
	}

	if res.TimedOut {
		return review(fmt.Sprintf("reproducer agent timed out after %dms (limit %dms)",
			res.Elapsed.Milliseconds(), hc.Config.ReproducerTimeout.Milliseconds()))
	}
	if !res.Success {
		return review(fmt.Sprintf("reproducer agent failed: exit %d: %s",
			res.ExitCode, excerpt(res.Stderr)))
	}

	logEvent(hc, store.LevelInfo, "reproducing", "reproducer agent finished",
		map[string]string{"elapsed": res.Elapsed.String()})
	return HandlerResult{Next: store.StatusFixing}
}
