package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(":memory:")
	require.NoError(t, s.Connect())
	require.NoError(t, s.InitSchema())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOperationsBeforeConnect(t *testing.T) {
	s := New(":memory:")

	assert.ErrorIs(t, s.InitSchema(), ErrNotConnected)
	assert.ErrorIs(t, s.CreatePanicFix("loc", "msg", nil), ErrNotConnected)
	_, err := s.GetPanicFix("loc")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.GetPendingPanics(1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.UpdatePanicStatus("loc", StatusPreflight, nil), ErrNotConnected)
	assert.ErrorIs(t, s.IncrementRetryCount("loc"), ErrNotConnected)
	assert.ErrorIs(t, s.InsertLog(LogEvent{Level: LevelInfo, Message: "x"}), ErrNotConnected)
}

func TestOperationsAfterClose(t *testing.T) {
	s := New(":memory:")
	require.NoError(t, s.Connect())
	require.NoError(t, s.InitSchema())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.CreatePanicFix("loc", "msg", nil), ErrNotConnected)
	assert.ErrorIs(t, s.Close(), ErrNotConnected)
}

func TestCreateAndGetPanicFix(t *testing.T) {
	s := newTestStore(t)

	sqls := []string{"CREATE TABLE t1(a INTEGER);", "SELECT * FROM t1;"}
	require.NoError(t, s.CreatePanicFix("src/vdbe.c:1234", "assertion failed", sqls))

	p, err := s.GetPanicFix("src/vdbe.c:1234")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "src/vdbe.c:1234", p.PanicLocation)
	assert.Equal(t, "assertion failed", p.PanicMessage)
	assert.Equal(t, sqls, p.SQLStatements)
	assert.Equal(t, StatusPending, p.Status)
	assert.Zero(t, p.RetryCount)
	assert.Empty(t, p.BranchName)
	assert.Empty(t, p.PRURL)
	assert.Nil(t, p.WorkflowError)
	assert.WithinDuration(t, time.Now(), p.CreatedAt, 5*time.Second)
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	assert.ErrorIs(t, s.CreatePanicFix("loc", "other", nil), ErrAlreadyExists)
}

func TestGetPanicFixMissing(t *testing.T) {
	s := newTestStore(t)

	p, err := s.GetPanicFix("nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetPendingPanicsOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("a", "first", nil))
	require.NoError(t, s.CreatePanicFix("b", "second", nil))
	require.NoError(t, s.CreatePanicFix("c", "third", nil))

	// b leaves pending; it must not be returned.
	require.NoError(t, s.ClaimPanic("b", StatusPreflight))
	require.NoError(t, s.UpdatePanicStatus("b", StatusRepoSetup, nil))
	require.NoError(t, s.UpdatePanicStatus("b", StatusReproducing, nil))

	pending, err := s.GetPendingPanics(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].PanicLocation)
	assert.Equal(t, "c", pending[1].PanicLocation)
	assert.False(t, pending[1].CreatedAt.Before(pending[0].CreatedAt))

	limited, err := s.GetPendingPanics(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].PanicLocation)
}

func TestClaimPanicConflict(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	require.NoError(t, s.ClaimPanic("loc", StatusPreflight))

	// Second claim loses the race.
	assert.ErrorIs(t, s.ClaimPanic("loc", StatusPreflight), ErrConflict)
}

func TestUpdatePanicStatusFields(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	require.NoError(t, s.UpdatePanicStatus("loc", StatusRepoSetup, nil))
	require.NoError(t, s.UpdatePanicStatus("loc", StatusReproducing,
		&StatusFields{BranchName: "fix/panic-loc"}))
	require.NoError(t, s.UpdatePanicStatus("loc", StatusPROpen,
		&StatusFields{PRURL: "https://example.com/pr/1"}))

	p, err := s.GetPanicFix("loc")
	require.NoError(t, err)
	assert.Equal(t, StatusPROpen, p.Status)
	assert.Equal(t, "fix/panic-loc", p.BranchName)
	assert.Equal(t, "https://example.com/pr/1", p.PRURL)
}

func TestUpdatePanicStatusUnknownLocation(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.UpdatePanicStatus("nope", StatusPreflight, nil), ErrNotFound)
}

func TestRetryCounters(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	require.NoError(t, s.IncrementRetryCount("loc"))
	require.NoError(t, s.IncrementRetryCount("loc"))

	p, err := s.GetPanicFix("loc")
	require.NoError(t, err)
	assert.Equal(t, 2, p.RetryCount)

	require.NoError(t, s.ResetRetryCount("loc"))
	p, err = s.GetPanicFix("loc")
	require.NoError(t, err)
	assert.Zero(t, p.RetryCount)
}

func TestMarkNeedsHumanReview(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	we := WorkflowError{
		Phase:     "preflight",
		Error:     "Build failed: exit 2",
		Timestamp: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.MarkNeedsHumanReview("loc", we))

	p, err := s.GetPanicFix("loc")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsHumanReview, p.Status)
	require.NotNil(t, p.WorkflowError)
	assert.Equal(t, "preflight", p.WorkflowError.Phase)
	assert.Equal(t, "Build failed: exit 2", p.WorkflowError.Error)
	assert.True(t, p.WorkflowError.Timestamp.Equal(we.Timestamp))
}

func TestWorkflowErrorOnlyOnHumanReview(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("loc", "msg", nil))
	require.NoError(t, s.MarkNeedsHumanReview("loc", WorkflowError{
		Phase: "fixing", Error: "boom", Timestamp: time.Now(),
	}))

	// A forward status write clears the error so the invariant
	// (workflow_error set iff needs_human_review) holds.
	require.NoError(t, s.UpdatePanicStatus("loc", StatusFixing, nil))
	p, err := s.GetPanicFix("loc")
	require.NoError(t, err)
	assert.Nil(t, p.WorkflowError)
}

func TestInsertAndGetLogs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertLog(LogEvent{
		PanicLocation: "loc",
		Phase:         "preflight",
		Level:         LevelInfo,
		Message:       "starting build",
		Details:       map[string]string{"cmd": "make"},
	}))
	require.NoError(t, s.InsertLog(LogEvent{
		Level:   LevelSystem,
		Message: "orchestrator started",
	}))
	require.NoError(t, s.InsertLog(LogEvent{
		PanicLocation: "loc",
		Phase:         "repo_setup",
		Level:         LevelError,
		Message:       "branch creation failed",
	}))

	recent, err := s.GetLogs(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "branch creation failed", recent[0].Message)
	assert.Equal(t, "orchestrator started", recent[1].Message)

	byLoc, err := s.GetLogsByPanicLocation("loc")
	require.NoError(t, err)
	require.Len(t, byLoc, 2)
	assert.Equal(t, "starting build", byLoc[0].Message)
	assert.Equal(t, map[string]string{"cmd": "make"}, byLoc[0].Details)
	assert.Equal(t, "branch creation failed", byLoc[1].Message)
}

func TestListPanicFixes(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreatePanicFix("a", "m", nil))
	require.NoError(t, s.CreatePanicFix("b", "m", nil))

	all, err := s.ListPanicFixes()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].PanicLocation)
}
