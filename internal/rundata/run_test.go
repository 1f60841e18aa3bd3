package rundata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

func TestNewRunSeedsPendingBlocks(t *testing.T) {
	dag, err := blockdag.Parse(blockdag.DAGDef{
		Blocks: []blockdag.BlockDef{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)

	run := NewRun("run-1", dag)
	assert.Equal(t, RunPending, run.Status)
	require.Len(t, run.Blocks, 2)
	assert.Equal(t, blockdag.StatusPending, run.Blocks["a"].Status)
}

func TestApprovalsProjection(t *testing.T) {
	dag, err := blockdag.Parse(blockdag.DAGDef{
		Blocks: []blockdag.BlockDef{{ID: "gated", Approval: &blockdag.ApprovalSpec{Required: true}}},
	})
	require.NoError(t, err)

	run := NewRun("run-1", dag)
	approvals := run.Approvals()
	assert.Equal(t, blockdag.ApprovalState{Requested: false, Approved: false}, approvals["gated"])

	run.Context["__approval_requested_gated"] = value.Bool(true)
	approvals = run.Approvals()
	assert.True(t, approvals["gated"].Requested)
	assert.False(t, approvals["gated"].Approved)

	run.Context[ApprovalMarkerKey("gated")] = value.Bool(true)
	approvals = run.Approvals()
	assert.True(t, approvals["gated"].Approved)
}

func TestTruncateRawOutput(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, TruncateRawOutput(short))

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, TruncateRawOutput(string(long)), 2048)
}
