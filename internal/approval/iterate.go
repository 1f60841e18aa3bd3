package approval

import (
	"encoding/json"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// spawnIteration builds the new run a rejected approval iterates into.
// from_scratch resets every block to pending; refine keeps the outputs of
// blocks that aren't the rejected block or downstream of it, so only the
// affected sub-graph re-executes.
func spawnIteration(deps Deps, run *rundata.Run, dag *blockdag.DAGDef, rejectedBlockID string, mode rundata.RestartMode, shared rundata.SharedMemory, feedback string, now time.Time) *rundata.Run {
	newRun := rundata.NewRun(deps.NewRunID(), dag)
	newRun.ParentRunID = run.ID
	newRun.CreatedAt = now
	newRun.UpdatedAt = now

	if mode == rundata.RestartRefine {
		reset := descendants(dag, rejectedBlockID)
		run.Lock()
		for id, inst := range run.Blocks {
			if reset[id] {
				continue
			}
			copied := *inst
			newRun.Blocks[id] = &copied
		}
		for k, v := range run.Context {
			newRun.Context[k] = v
		}
		run.Unlock()
		// Reset blocks re-entering pending must re-run their approval
		// preflight rather than inherit a stale "already requested" marker.
		for id := range reset {
			delete(newRun.Context, "__approval_requested_"+id)
			delete(newRun.Context, rundata.ApprovalMarkerKey(id))
		}
	}

	sharedJSON, err := json.Marshal(shared)
	if err == nil {
		if sv, perr := value.ParseJSON(sharedJSON); perr == nil {
			newRun.Context[rundata.ContextSharedMemoryKey] = sv
		}
	}
	newRun.Context[rundata.ContextLatestFeedback] = value.String(feedback)

	return newRun
}

// descendants returns the set of block ids reachable from (and including)
// start by following outgoing edges — the sub-graph a refine-mode reject
// must re-execute.
func descendants(dag *blockdag.DAGDef, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range dag.Outgoing(id) {
			if !seen[e.To.Block] {
				seen[e.To.Block] = true
				queue = append(queue, e.To.Block)
			}
		}
	}
	return seen
}
