package blockdag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(id string) BlockDef {
	return BlockDef{ID: id, Name: id, Outputs: map[string]Port{"out": {Type: PortString}}, Inputs: map[string]Port{"in": {Type: PortString}}}
}

func edge(fromBlock, fromPort, toBlock, toPort string) Edge {
	return Edge{From: EdgeEndpoint{Block: fromBlock, Port: fromPort}, To: EdgeEndpoint{Block: toBlock, Port: toPort}}
}

func TestParseLinearDAG(t *testing.T) {
	d, err := Parse(DAGDef{
		Name:   "linear",
		Blocks: []BlockDef{block("a"), block("b")},
		Edges:  []Edge{edge("a", "out", "b", "in")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d.Entrypoints())

	order, err := ExecutionOrder(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestParseRejectsCycle(t *testing.T) {
	_, err := Parse(DAGDef{
		Name:   "cycle",
		Blocks: []BlockDef{block("a"), block("b")},
		Edges:  []Edge{edge("a", "out", "b", "in"), edge("b", "out", "a", "in")},
	})
	require.Error(t, err)
}

func TestParseRejectsDuplicateID(t *testing.T) {
	_, err := Parse(DAGDef{Blocks: []BlockDef{block("a"), block("a")}})
	require.Error(t, err)
}

func TestParseRejectsUnknownEdgeEndpoint(t *testing.T) {
	_, err := Parse(DAGDef{
		Blocks: []BlockDef{block("a")},
		Edges:  []Edge{edge("a", "out", "missing", "in")},
	})
	require.Error(t, err)
}

func TestParseRejectsUnknownGateType(t *testing.T) {
	b := block("a")
	b.PreGates = []GateSpec{{Type: "not_a_real_gate"}}
	_, err := Parse(DAGDef{Blocks: []BlockDef{b}})
	require.Error(t, err)
}

func TestExecutionOrderTieBreakByID(t *testing.T) {
	d, err := Parse(DAGDef{Blocks: []BlockDef{block("z"), block("a"), block("m")}})
	require.NoError(t, err)
	order, err := ExecutionOrder(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, order)
}

func TestReadyBlocks(t *testing.T) {
	d, err := Parse(DAGDef{
		Blocks: []BlockDef{block("a"), block("b"), block("c")},
		Edges:  []Edge{edge("a", "out", "b", "in"), edge("a", "out", "c", "in")},
	})
	require.NoError(t, err)

	ready := ReadyBlocks(d, map[string]Status{}, nil)
	assert.Equal(t, []string{"a"}, ready)

	ready = ReadyBlocks(d, map[string]Status{"a": StatusCompleted}, nil)
	assert.ElementsMatch(t, []string{"b", "c"}, ready)

	ready = ReadyBlocks(d, map[string]Status{"a": StatusRunning}, nil)
	assert.Empty(t, ready)
}

func TestReadyBlocksHoldsOnPendingApproval(t *testing.T) {
	b := block("gated")
	b.Approval = &ApprovalSpec{Required: true}
	d, err := Parse(DAGDef{Blocks: []BlockDef{b}})
	require.NoError(t, err)

	ready := ReadyBlocks(d, map[string]Status{}, map[string]ApprovalState{"gated": {Requested: true, Approved: false}})
	assert.Empty(t, ready)

	ready = ReadyBlocks(d, map[string]Status{}, map[string]ApprovalState{"gated": {Requested: true, Approved: true}})
	assert.Equal(t, []string{"gated"}, ready)

	ready = ReadyBlocks(d, map[string]Status{}, nil)
	assert.Equal(t, []string{"gated"}, ready, "not yet requested is ready to start the approval preflight")
}

func TestRequiredFromContext(t *testing.T) {
	b := block("a")
	b.Inputs = map[string]Port{"title": {Type: PortString, Required: true}}
	d, err := Parse(DAGDef{Blocks: []BlockDef{b}})
	require.NoError(t, err)

	reqs := d.RequiredFromContext()
	require.Len(t, reqs, 1)
	assert.Equal(t, EdgeEndpoint{Block: "a", Port: "title"}, reqs[0])
}
