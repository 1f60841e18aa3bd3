package blockexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// fakeAdapter returns queued results in order, one per Dispatch call.
type fakeAdapter struct {
	results []provider.DispatchResult
	calls   int
}

func (a *fakeAdapter) Dispatch(_ context.Context, _ provider.DispatchRequest) (provider.DispatchResult, error) {
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		return a.results[len(a.results)-1], nil
	}
	return a.results[i], nil
}

type fakeResolver struct{ adapter provider.Adapter }

func (r fakeResolver) Resolve(blockdag.AgentSelector) (provider.Adapter, error) {
	return r.adapter, nil
}

func testDeps(adapter provider.Adapter) Deps {
	return Deps{
		Resolver: fakeResolver{adapter: adapter},
		Emit:     func(rundata.Event) {},
	}
}

func singleOutputBlock(id string) blockdag.BlockDef {
	return blockdag.BlockDef{
		ID:      id,
		Name:    id,
		Inputs:  map[string]blockdag.Port{"in": {Type: blockdag.PortString, Required: true}},
		Outputs: map[string]blockdag.Port{"out": {Type: blockdag.PortString}},
	}
}

func newRun(dag *blockdag.DAGDef) *rundata.Run {
	return rundata.NewRun("run-1", dag)
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	block := singleOutputBlock("a")
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")

	adapter := &fakeAdapter{results: []provider.DispatchResult{{Success: true, Output: "world"}}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusCompleted, inst.Status)
	assert.Equal(t, 1, adapter.calls)
	out, ok := inst.Outputs["out"].String()
	require.True(t, ok)
	assert.Equal(t, "world", out)
}

func TestExecuteFailsOnMissingRequiredInput(t *testing.T) {
	block := singleOutputBlock("a")
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)
	run := newRun(dag)

	adapter := &fakeAdapter{}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusFailed, inst.Status)
	require.NotNil(t, inst.ErrorInfo)
	assert.Equal(t, CodeMissingInput, inst.ErrorInfo.Code)
	assert.Equal(t, 0, adapter.calls)
}

func TestExecuteFailsOnPreGate(t *testing.T) {
	block := singleOutputBlock("a")
	block.PreGates = []blockdag.GateSpec{{Type: "word_count", MinWords: intp(5)}}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("short")

	adapter := &fakeAdapter{results: []provider.DispatchResult{{Success: true, Output: "ignored"}}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusFailed, inst.Status)
	assert.Equal(t, CodePreGateFailed, inst.ErrorInfo.Code)
	assert.Equal(t, 0, adapter.calls)
}

func TestExecuteRetriesOnDispatchFailureThenSucceeds(t *testing.T) {
	block := singleOutputBlock("a")
	block.Retry = blockdag.RetryPolicy{MaxAttempts: 2, Backoff: blockdag.BackoffNone}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")

	adapter := &fakeAdapter{results: []provider.DispatchResult{
		{Success: false, Error: "transient"},
		{Success: true, Output: "world"},
	}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusCompleted, inst.Status)
	assert.Equal(t, 2, adapter.calls)
}

func TestExecuteBouncesOnPostGateFeedback(t *testing.T) {
	block := singleOutputBlock("a")
	block.Retry = blockdag.RetryPolicy{MaxAttempts: 2}
	block.PostGates = []blockdag.GateSpec{{Type: "word_count", MinWords: intp(2)}}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")

	adapter := &fakeAdapter{results: []provider.DispatchResult{
		{Success: true, Output: "one"},
		{Success: true, Output: "two words"},
	}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusCompleted, inst.Status)
	assert.Equal(t, 2, adapter.calls)
}

func TestExecuteFailsAfterRetryExhaustion(t *testing.T) {
	block := singleOutputBlock("a")
	block.Retry = blockdag.RetryPolicy{MaxAttempts: 1}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")

	adapter := &fakeAdapter{results: []provider.DispatchResult{
		{Success: false, Error: "boom"},
		{Success: false, Error: "boom again"},
	}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)

	inst := run.Blocks["a"]
	assert.Equal(t, blockdag.StatusFailed, inst.Status)
	assert.Equal(t, CodeDispatchFailed, inst.ErrorInfo.Code)
	assert.Equal(t, 2, adapter.calls)
}

func TestExecutePropagatesOutputAcrossEdge(t *testing.T) {
	a := singleOutputBlock("a")
	b := singleOutputBlock("b")
	dag, err := blockdag.Parse(blockdag.DAGDef{
		Name:   "d",
		Blocks: []blockdag.BlockDef{a, b},
		Edges:  []blockdag.Edge{{From: blockdag.EdgeEndpoint{Block: "a", Port: "out"}, To: blockdag.EdgeEndpoint{Block: "b", Port: "in"}}},
	})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("seed")

	adapterA := &fakeAdapter{results: []provider.DispatchResult{{Success: true, Output: "from-a"}}}
	require.NoError(t, Execute(context.Background(), dag, run, a, testDeps(adapterA)))
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["a"].Status)

	adapterB := &fakeAdapter{results: []provider.DispatchResult{{Success: true, Output: "from-b"}}}
	require.NoError(t, Execute(context.Background(), dag, run, b, testDeps(adapterB)))

	resolved := run.Blocks["b"].InputsResolved["in"]
	got, ok := resolved.String()
	require.True(t, ok)
	assert.Equal(t, "from-a", got)
}

func TestExecuteSuspendsOnApprovalAndAbortsWithoutDecision(t *testing.T) {
	block := singleOutputBlock("a")
	block.Approval = &blockdag.ApprovalSpec{Required: true, Prompt: "looks good?"}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deps := testDeps(&fakeAdapter{})
	deps.AwaitApproval = func(ctx context.Context, runID, blockID string) error { return ctx.Err() }

	err = Execute(ctx, dag, run, block, deps)
	assert.ErrorIs(t, err, ErrApprovalAborted)
}

func TestExecuteProceedsOnceApproved(t *testing.T) {
	block := singleOutputBlock("a")
	block.Approval = &blockdag.ApprovalSpec{Required: true, Prompt: "looks good?"}
	dag, err := blockdag.Parse(blockdag.DAGDef{Name: "d", Blocks: []blockdag.BlockDef{block}})
	require.NoError(t, err)

	run := newRun(dag)
	run.Context["in"] = value.String("hello")
	run.Context[rundata.ApprovalMarkerKey("a")] = value.Bool(true)

	adapter := &fakeAdapter{results: []provider.DispatchResult{{Success: true, Output: "world"}}}
	err = Execute(context.Background(), dag, run, block, testDeps(adapter))
	require.NoError(t, err)
	assert.Equal(t, blockdag.StatusCompleted, run.Blocks["a"].Status)
}

func intp(i int) *int { return &i }
