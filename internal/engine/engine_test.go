package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/approval"
	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/safety"
)

type recordingAdapter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAdapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.Title)
	a.mu.Unlock()
	return provider.DispatchResult{Success: true, Output: "ok-" + req.Title}, nil
}

type fakeResolver struct{ adapter provider.Adapter }

func (r fakeResolver) Resolve(blockdag.AgentSelector) (provider.Adapter, error) {
	return r.adapter, nil
}

func testStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(context.Background(), "sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEngine(t *testing.T, adapter provider.Adapter) (*Engine, context.CancelFunc) {
	t.Helper()
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	caps := safety.Default()
	caps.MaxConcurrentRuns = 2
	caps.StallTimeout = 2 * time.Second
	caps.OrphanTimeout = time.Hour
	e, err := New(ctx, Config{
		Store:    store,
		Safety:   caps,
		Resolver: fakeResolver{adapter: adapter},
		Owner:    "test-owner",
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, cancel
}

func linearDAG(name string) blockdag.DAGDef {
	return blockdag.DAGDef{
		Name: name,
		Blocks: []blockdag.BlockDef{
			{ID: "a", Name: "a", Outputs: map[string]blockdag.Port{"out": {Type: blockdag.PortString}}},
			{ID: "b", Name: "b",
				Inputs:  map[string]blockdag.Port{"in": {Type: blockdag.PortString}},
				Outputs: map[string]blockdag.Port{"out": {Type: blockdag.PortString}}},
		},
		Edges: []blockdag.Edge{
			{From: blockdag.EdgeEndpoint{Block: "a", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "b", Port: "in"}},
		},
	}
}

func waitForTerminal(t *testing.T, e *Engine, runID string) *rundata.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

func TestStartRunExecutesToCompletion(t *testing.T) {
	adapter := &recordingAdapter{}
	e, cancel := testEngine(t, adapter)
	defer cancel()

	run, pos, err := e.StartRun(context.Background(), linearDAG("d"), rundata.PriorityP1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, pos, "under maxConcurrentRuns, the run should be claimed immediately")

	final := waitForTerminal(t, e, run.ID)
	assert.Equal(t, rundata.RunCompleted, final.Status)
	assert.Equal(t, blockdag.StatusCompleted, final.Blocks["a"].Status)
	assert.Equal(t, blockdag.StatusCompleted, final.Blocks["b"].Status)
}

func TestStartRunQueuesPastConcurrencyCap(t *testing.T) {
	adapter := &recordingAdapter{}
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caps := safety.Default()
	caps.MaxConcurrentRuns = 1
	caps.StallTimeout = 2 * time.Second
	e, err := New(ctx, Config{Store: store, Safety: caps, Resolver: fakeResolver{adapter: adapter}, Owner: "owner"})
	require.NoError(t, err)
	defer e.Close()

	_, pos1, err := e.StartRun(context.Background(), linearDAG("d1"), rundata.PriorityP1, nil, nil)
	require.NoError(t, err)
	_, pos2, err := e.StartRun(context.Background(), linearDAG("d2"), rundata.PriorityP1, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, pos1)
	assert.GreaterOrEqual(t, pos2, 1)
}

func TestStopRunCancelsExecution(t *testing.T) {
	adapter := &recordingAdapter{}
	e, cancel := testEngine(t, adapter)
	defer cancel()

	dag := blockdag.DAGDef{
		Name: "slow",
		Blocks: []blockdag.BlockDef{
			{ID: "only", Name: "only", Outputs: map[string]blockdag.Port{"out": {Type: blockdag.PortString}}},
		},
	}
	run, _, err := e.StartRun(context.Background(), dag, rundata.PriorityP1, nil, nil)
	require.NoError(t, err)

	stopped := e.StopRun(run.ID)
	assert.True(t, stopped)

	final := waitForTerminal(t, e, run.ID)
	assert.Contains(t, []rundata.RunStatus{rundata.RunCancelled, rundata.RunCompleted, rundata.RunFailed}, final.Status)
}

func TestApprovalApproveResumesRun(t *testing.T) {
	adapter := &recordingAdapter{}
	e, cancel := testEngine(t, adapter)
	defer cancel()

	dag := blockdag.DAGDef{
		Name: "gated",
		Blocks: []blockdag.BlockDef{
			{ID: "gate", Name: "gate", Approval: &blockdag.ApprovalSpec{Required: true, Prompt: "ok?"},
				Outputs: map[string]blockdag.Port{"out": {Type: blockdag.PortString}}},
		},
	}
	run, _, err := e.StartRun(context.Background(), dag, rundata.PriorityP1, nil, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := e.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		if r.Status == rundata.RunPausedApproval {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	newRun, err := e.Decide(context.Background(), run.ID, approval.Decision{Approved: true})
	require.NoError(t, err)
	assert.Nil(t, newRun)

	final := waitForTerminal(t, e, run.ID)
	assert.Equal(t, rundata.RunCompleted, final.Status)
}

func TestListRunsIncludesActiveAndPersisted(t *testing.T) {
	adapter := &recordingAdapter{}
	e, cancel := testEngine(t, adapter)
	defer cancel()

	run, _, err := e.StartRun(context.Background(), linearDAG("d"), rundata.PriorityP1, nil, nil)
	require.NoError(t, err)
	waitForTerminal(t, e, run.ID)

	runs, err := e.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
