package dagexec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/blockexec"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// recordingAdapter returns a fixed result; failOn marks block names whose
// first dispatch should fail (used to exercise cascadeSkip).
type recordingAdapter struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]bool
}

func newRecordingAdapter(failOn ...string) *recordingAdapter {
	f := make(map[string]bool, len(failOn))
	for _, n := range failOn {
		f[n] = true
	}
	return &recordingAdapter{calls: make(map[string]int), failOn: f}
}

func (a *recordingAdapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	a.mu.Lock()
	a.calls[req.Title]++
	a.mu.Unlock()
	if a.failOn[req.Title] {
		return provider.DispatchResult{Success: false, Error: "forced failure"}, nil
	}
	return provider.DispatchResult{Success: true, Output: "ok-" + req.Title}, nil
}

type fakeResolver struct{ adapter provider.Adapter }

func (r fakeResolver) Resolve(blockdag.AgentSelector) (provider.Adapter, error) {
	return r.adapter, nil
}

func block(id string, inPort, outPort string) blockdag.BlockDef {
	b := blockdag.BlockDef{ID: id, Name: id, Outputs: map[string]blockdag.Port{outPort: {Type: blockdag.PortString}}}
	if inPort != "" {
		b.Inputs = map[string]blockdag.Port{inPort: {Type: blockdag.PortString}}
	}
	return b
}

func testDeps(adapter provider.Adapter) blockexec.Deps {
	return blockexec.Deps{
		Resolver: fakeResolver{adapter: adapter},
		Emit:     func(rundata.Event) {},
	}
}

func TestRunLinearDAGCompletes(t *testing.T) {
	a := block("a", "", "out")
	b := block("b", "in", "out")
	dag, err := blockdag.Parse(blockdag.DAGDef{
		Name:   "d",
		Blocks: []blockdag.BlockDef{a, b},
		Edges:  []blockdag.Edge{{From: blockdag.EdgeEndpoint{Block: "a", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "b", Port: "in"}}},
	})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)
	adapter := newRecordingAdapter()
	exec := New(Config{Deps: testDeps(adapter)})

	err = exec.Run(context.Background(), run, dag)
	require.NoError(t, err)
	assert.Equal(t, rundata.RunCompleted, run.Status)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["a"].Status)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["b"].Status)
}

func TestRunCascadeSkipsDownstreamOfFailureButFinishesOtherBranch(t *testing.T) {
	root := block("root", "", "out")
	failing := block("failing", "in", "out")
	downstream := block("downstream", "in", "out")
	sibling := block("sibling", "in", "out")

	dag, err := blockdag.Parse(blockdag.DAGDef{
		Name:   "d",
		Blocks: []blockdag.BlockDef{root, failing, downstream, sibling},
		Edges: []blockdag.Edge{
			{From: blockdag.EdgeEndpoint{Block: "root", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "failing", Port: "in"}},
			{From: blockdag.EdgeEndpoint{Block: "failing", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "downstream", Port: "in"}},
			{From: blockdag.EdgeEndpoint{Block: "root", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "sibling", Port: "in"}},
		},
	})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)
	adapter := newRecordingAdapter("failing")
	exec := New(Config{Deps: testDeps(adapter)})

	err = exec.Run(context.Background(), run, dag)
	require.NoError(t, err)
	assert.Equal(t, rundata.RunFailed, run.Status)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["root"].Status)
	assert.Equal(t, blockdag.StatusFailed, run.Blocks["failing"].Status)
	assert.Equal(t, blockdag.StatusSkipped, run.Blocks["downstream"].Status)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["sibling"].Status)
}

func TestRunEnforcesRunTokenBudget(t *testing.T) {
	a := block("a", "", "out")
	b := block("b", "in", "out")
	dag, err := blockdag.Parse(blockdag.DAGDef{
		Name:   "d",
		Blocks: []blockdag.BlockDef{a, b},
		Edges:  []blockdag.Edge{{From: blockdag.EdgeEndpoint{Block: "a", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "b", Port: "in"}}},
	})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)
	// a completes and reports usage above the run budget so b never dispatches.
	adapter := &tokenAdapter{tokens: 1000}
	exec := New(Config{Deps: testDeps(adapter), MaxTokensPerRun: 100})

	err = exec.Run(context.Background(), run, dag)
	require.NoError(t, err)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["a"].Status)
	assert.Equal(t, blockdag.StatusFailed, run.Blocks["b"].Status)
	require.NotNil(t, run.Blocks["b"].ErrorInfo)
	assert.Equal(t, "BUDGET_EXCEEDED", run.Blocks["b"].ErrorInfo.Code)
	assert.Equal(t, 0, adapter.calls["b"])
}

type tokenAdapter struct {
	mu     sync.Mutex
	tokens int
	calls  map[string]int
}

func (a *tokenAdapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[req.Title]++
	a.mu.Unlock()
	return provider.DispatchResult{Success: true, Output: "ok", TokensUsed: a.tokens}, nil
}

func TestRunStallTimeoutForcesCancel(t *testing.T) {
	a := block("a", "", "out")
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{a}})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)

	blockingAdapter := &hangingAdapter{release: make(chan struct{})}
	defer close(blockingAdapter.release)

	exec := New(Config{Deps: testDeps(blockingAdapter), StallTimeout: 10 * time.Millisecond})

	start := time.Now()
	err = exec.Run(context.Background(), run, dag)
	assert.ErrorIs(t, err, ErrStallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type hangingAdapter struct{ release chan struct{} }

func (a *hangingAdapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	select {
	case <-a.release:
		return provider.DispatchResult{Success: true, Output: "ok"}, nil
	case <-ctx.Done():
		return provider.DispatchResult{}, ctx.Err()
	}
}

func TestRunCancellationDrainsInFlightBeforeFinalizing(t *testing.T) {
	a := block("a", "", "out")
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{a}})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)
	adapter := newRecordingAdapter()
	exec := New(Config{Deps: testDeps(adapter)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = exec.Run(ctx, run, dag)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, rundata.RunCancelled, run.Status)
}

func TestRunWaitsOnApprovalBeforeCompleting(t *testing.T) {
	approved := block("approved", "", "out")
	approved.Approval = &blockdag.ApprovalSpec{Required: true, Prompt: "ok?"}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{approved}})
	require.NoError(t, err)

	run := rundata.NewRun("run-1", dag)
	run.Context[rundata.ApprovalMarkerKey("approved")] = value.Bool(true)

	adapter := newRecordingAdapter()
	exec := New(Config{Deps: testDeps(adapter)})

	err = exec.Run(context.Background(), run, dag)
	require.NoError(t, err)
	assert.Equal(t, rundata.RunCompleted, run.Status)
}
