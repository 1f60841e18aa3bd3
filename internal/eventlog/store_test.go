package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun(t *testing.T) *rundata.Run {
	t.Helper()
	dag, err := blockdag.Parse(blockdag.DAGDef{Blocks: []blockdag.BlockDef{{ID: "a"}}})
	require.NoError(t, err)
	return rundata.NewRun("run-1", dag)
}

func TestUpsertRunAndRunRow(t *testing.T) {
	s := openTestStore(t)
	run := testRun(t)

	require.NoError(t, s.UpsertRun(context.Background(), run, nil))

	exists, err := s.RunExists(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	row, err := s.RunRow(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", row.ID)
	assert.Equal(t, string(rundata.RunPending), row.Status)

	run.Status = rundata.RunRunning
	require.NoError(t, s.UpsertRun(context.Background(), run, nil))
	row, err = s.RunRow(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(rundata.RunRunning), row.Status)
}

func TestRunExistsFalseForUnknown(t *testing.T) {
	s := openTestStore(t)
	exists, err := s.RunExists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAppendEventAssignsIncreasingSeq(t *testing.T) {
	s := openTestStore(t)
	run := testRun(t)
	require.NoError(t, s.UpsertRun(context.Background(), run, nil))

	seq1, err := s.AppendEvent(context.Background(), rundata.Event{
		RunID: run.ID, Type: rundata.EventRunStart, Data: value.Null(), Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	seq2, err := s.AppendEvent(context.Background(), rundata.Event{
		RunID: run.ID, Type: rundata.EventBlockStart, BlockID: "a", Data: value.Null(), Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	events, err := s.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, rundata.EventRunStart, events[0].Type)

	events, err = s.EventsSince(context.Background(), run.ID, seq1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rundata.EventBlockStart, events[0].Type)
}

func TestUpsertApprovalAndLatestPending(t *testing.T) {
	s := openTestStore(t)
	run := testRun(t)
	require.NoError(t, s.UpsertRun(context.Background(), run, nil))

	req := rundata.ApprovalRequest{
		Token: "tok-1", RunID: run.ID, BlockID: "a",
		Status: rundata.ApprovalPending, Prompt: "ok?", RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertApproval(context.Background(), req))

	got, err := s.LatestPendingApproval(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)

	req.Status = rundata.ApprovalApproved
	require.NoError(t, s.UpsertApproval(context.Background(), req))

	_, err = s.LatestPendingApproval(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrphanCandidates(t *testing.T) {
	s := openTestStore(t)
	run := testRun(t)
	run.Status = rundata.RunRunning
	run.UpdatedAt = time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, s.UpsertRun(context.Background(), run, nil))

	ids, err := s.OrphanCandidates(context.Background(), time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, run.ID)

	ids, err = s.OrphanCandidates(context.Background(), time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, ids, run.ID)
}
