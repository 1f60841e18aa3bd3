package runqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/rundata"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := eventlog.Open(context.Background(), "sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB(), store.Driver())
}

func TestEnqueueAndClaimOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "low", rundata.PriorityP3, nil, map[string]any{"x": 1}))
	require.NoError(t, q.Enqueue(ctx, "high", rundata.PriorityP0, nil, map[string]any{"x": 2}))

	claim, err := q.ClaimNext(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "high", claim.RunID)

	claim, err = q.ClaimNext(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "low", claim.RunID)

	_, err = q.ClaimNext(ctx, "owner-1", time.Minute)
	assert.ErrorIs(t, err, ErrNoneReady)
}

func TestManualRankOverridesPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	rank := 1
	require.NoError(t, q.Enqueue(ctx, "unranked", rundata.PriorityP0, nil, nil))
	require.NoError(t, q.Enqueue(ctx, "ranked", rundata.PriorityP3, &rank, nil))

	claim, err := q.ClaimNext(ctx, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ranked", claim.RunID)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", rundata.PriorityP1, nil, nil))
	_, err := q.ClaimNext(ctx, "owner-1", -time.Second) // already expired
	require.NoError(t, err)

	claim, err := q.ClaimNext(ctx, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-1", claim.RunID)
}

func TestMarkRunningAndTerminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", rundata.PriorityP1, nil, nil))
	claim, err := q.ClaimNext(ctx, "owner-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.MarkRunning(ctx, claim.RunID, "owner-1", claim.ClaimToken, time.Minute))
	require.NoError(t, q.MarkTerminal(ctx, claim.RunID, rundata.QueueCompleted, ""))
}

func TestPositionReflectsOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", rundata.PriorityP0, nil, nil))
	require.NoError(t, q.Enqueue(ctx, "b", rundata.PriorityP0, nil, nil))

	pos, err := q.Position(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}
