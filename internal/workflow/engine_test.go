package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/mend/internal/agent"
	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/store"
)

// fakeAgents is a scripted AgentRunner.
type fakeAgents struct {
	mu       sync.Mutex
	setupErr error
	spawnErr error
	results  map[agent.Kind]*agent.Result
	spawned  []agent.Kind
	panicOn  agent.Kind
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		results: map[agent.Kind]*agent.Result{
			agent.KindReproducer: {Success: true, Elapsed: time.Second},
			agent.KindFixer:      {Success: true, Elapsed: time.Second},
		},
	}
}

func (f *fakeAgents) SetupTools(ctx context.Context, session string) error {
	return f.setupErr
}

func (f *fakeAgents) Spawn(ctx context.Context, cfg agent.SpawnConfig) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, cfg.Kind)
	if cfg.Kind == f.panicOn {
		panic("scripted agent panic")
	}
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return f.results[cfg.Kind], nil
}

func (f *fakeAgents) spawnedKinds() []agent.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Kind, len(f.spawned))
	copy(out, f.spawned)
	return out
}

const testLocation = "src/vdbe.c:1234"

type engineHarness struct {
	store   *store.Store
	sandbox *sandbox.FakeAdapter
	agents  *fakeAgents
	engine  *Engine
}

func newHarness(t *testing.T, mutate func(*config.Config)) *engineHarness {
	t.Helper()

	st := store.New(":memory:")
	require.NoError(t, st.Connect())
	require.NoError(t, st.InitSchema())
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}

	fake := sandbox.NewFakeAdapter()
	agents := newFakeAgents()
	return &engineHarness{
		store:   st,
		sandbox: fake,
		agents:  agents,
		engine:  NewEngine(st, fake, agents, cfg, nil),
	}
}

func (h *engineHarness) seedAndClaim(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.CreatePanicFix(testLocation,
		"assertion failed: pCur->isValid",
		[]string{"CREATE TABLE t1(a INTEGER);", "SELECT * FROM t1;"}))
	require.NoError(t, h.store.ClaimPanic(testLocation, store.StatusPreflight))
}

// shipContext builds a context document satisfying the ship field set.
func shipContext(t *testing.T) string {
	t.Helper()
	encoded, err := json.Marshal(map[string]string{
		"panic_location":       testLocation,
		"panic_message":        "assertion failed: pCur->isValid",
		"tcl_test_file":        "test/panic-src-vdbe-c-1234.test",
		"failing_seed":         "0xdeadbeef",
		"why_simulator_missed": "no coverage of cursor invalidation",
		"simulator_changes":    "added cursor invalidation weights",
		"bug_description":      "cursor used after btree rebalance",
		"fix_description":      "revalidate cursor after rebalance",
	})
	require.NoError(t, err)
	return "# Panic Context\n\n```json\n" + string(encoded) + "\n```\n"
}

func (h *engineHarness) stubShipContext(t *testing.T) {
	h.sandbox.Stub("cat 'panic_context.md'", &sandbox.Result{Stdout: shipContext(t)})
	h.sandbox.Stub("gh pr create", &sandbox.Result{
		Stdout: "Creating pull request\nhttps://github.com/tursodatabase/turso/pull/4242\n",
	})
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.stubShipContext(t)

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPROpen, p.Status)
	assert.Equal(t, "fix/panic-src-vdbe-c-1234", p.BranchName)
	assert.Equal(t, "https://github.com/tursodatabase/turso/pull/4242", p.PRURL)
	assert.Nil(t, p.WorkflowError)

	// Both agents ran, in order.
	assert.Equal(t, []agent.Kind{agent.KindReproducer, agent.KindFixer}, h.agents.spawnedKinds())

	// The branch, test file, context doc, squash, and push all went
	// through the sandbox.
	assert.True(t, h.sandbox.SawCommand("git checkout -b 'fix/panic-src-vdbe-c-1234'"))
	assert.True(t, h.sandbox.SawCommand("test/panic-src-vdbe-c-1234.test"))
	assert.True(t, h.sandbox.SawCommand("git merge-base HEAD 'main'"))
	assert.True(t, h.sandbox.SawCommand("git push -u 'origin' 'fix/panic-src-vdbe-c-1234'"))
}

func TestPreflightBuildFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.sandbox.StubOnce("make", &sandbox.Result{ExitCode: 1, Stderr: "cc: not found"})

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Equal(t, "preflight", p.WorkflowError.Phase)
	assert.Contains(t, p.WorkflowError.Error, "Build failed:")
	assert.Empty(t, h.agents.spawnedKinds())
}

func TestPreflightTestFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.sandbox.Stub("make test", &sandbox.Result{ExitCode: 2, Stderr: "1 test failed"})

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Contains(t, p.WorkflowError.Error, "Tests failed:")
}

func TestReproducerTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ReproducerTimeout = 90 * time.Second
	})
	h.seedAndClaim(t)
	h.agents.results[agent.KindReproducer] = &agent.Result{
		TimedOut: true,
		Elapsed:  91 * time.Second,
	}

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Equal(t, "reproducing", p.WorkflowError.Phase)
	assert.Contains(t, p.WorkflowError.Error, "91000")
	assert.Contains(t, p.WorkflowError.Error, "90000")

	// The fixer never ran.
	assert.Equal(t, []agent.Kind{agent.KindReproducer}, h.agents.spawnedKinds())
}

func TestFixerNothingToCommit(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.stubShipContext(t)
	h.sandbox.StubOnce("git commit -m 'fix: ", &sandbox.Result{
		ExitCode: 1,
		Stdout:   "nothing to commit, working tree clean",
	})

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPROpen, p.Status)

	// The warning is durable.
	logs, err := h.store.GetLogsByPanicLocation(testLocation)
	require.NoError(t, err)
	found := false
	for _, ev := range logs {
		if ev.Level == store.LevelWarn && ev.Phase == "fixing" {
			found = true
		}
	}
	assert.True(t, found, "expected a durable warning from the fixing phase")
}

func TestShipMissingFixDescription(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)

	encoded, err := json.Marshal(map[string]string{
		"panic_location":       testLocation,
		"panic_message":        "assertion failed",
		"tcl_test_file":        "test/panic-src-vdbe-c-1234.test",
		"failing_seed":         "0xdeadbeef",
		"why_simulator_missed": "gap",
		"simulator_changes":    "weights",
		"bug_description":      "cursor bug",
	})
	require.NoError(t, err)
	h.sandbox.Stub("cat 'panic_context.md'", &sandbox.Result{
		Stdout: "```json\n" + string(encoded) + "\n```\n",
	})

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Equal(t, "shipping", p.WorkflowError.Phase)
	assert.Contains(t, p.WorkflowError.Error, "fix_description")
	assert.False(t, h.sandbox.SawCommand("git push"), "push must not run on invalid context")
}

func TestRepoSetupBranchExists(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.sandbox.Stub("git checkout -b", &sandbox.Result{
		ExitCode: 128,
		Stderr:   "fatal: a branch named 'fix/panic-src-vdbe-c-1234' already exists",
	})

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	// Replaying repo_setup against an existing branch terminalizes
	// without corrupting store state.
	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Equal(t, "repo_setup", p.WorkflowError.Phase)
	assert.Contains(t, p.WorkflowError.Error, "already exists")
}

func TestSandboxUnreachableTerminalizes(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.sandbox.StubErr("make", sandbox.ErrUnreachable)

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	assert.Contains(t, p.WorkflowError.Error, "unreachable")
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.agents.panicOn = agent.KindReproducer

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsHumanReview, p.Status)
	assert.Contains(t, p.WorkflowError.Error, "handler panicked")
}

func TestSkipPreflightClaimsToRepoSetup(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.SkipPreflight = true
	})
	require.NoError(t, h.store.CreatePanicFix(testLocation, "msg", []string{"SELECT 1;"}))
	require.NoError(t, h.store.ClaimPanic(testLocation, store.StatusRepoSetup))
	h.stubShipContext(t)

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPROpen, p.Status)
	assert.False(t, h.sandbox.SawCommand("make test"), "preflight must be skipped")
}

func TestDrainStopsAtPhaseBoundary(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.engine.Run(ctx, testLocation))

	// Nothing ran; the panic stays at its persisted status.
	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPreflight, p.Status)
	assert.Empty(t, h.agents.spawnedKinds())
}

func TestForwardTransitionResetsRetryCount(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.stubShipContext(t)
	require.NoError(t, h.store.IncrementRetryCount(testLocation))
	require.NoError(t, h.store.IncrementRetryCount(testLocation))

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	p, err := h.store.GetPanicFix(testLocation)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPROpen, p.Status)
	assert.Zero(t, p.RetryCount)
}

func TestSessionRecreatedWhenMissing(t *testing.T) {
	h := newHarness(t, nil)
	h.seedAndClaim(t)
	h.stubShipContext(t)

	require.NoError(t, h.engine.Run(context.Background(), testLocation))

	exists, err := h.sandbox.SessionExists(context.Background(), "src-vdbe-c-1234")
	require.NoError(t, err)
	assert.True(t, exists)
}
