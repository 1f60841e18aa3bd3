package eventlog

import (
	"encoding/json"

	"github.com/flowforge/dagrunner/internal/rundata"
)

// Rebuild folds events over a stored base run to reconstruct the latest
// snapshot (spec.md §4.A "Rebuilding a run from events"). base is mutated
// in place and also returned for convenience.
func Rebuild(base *rundata.Run, events []rundata.Event) *rundata.Run {
	for _, ev := range events {
		switch ev.Type {
		case rundata.EventBlockStart, rundata.EventBlockComplete, rundata.EventBlockFail:
			if ev.BlockID == "" {
				continue
			}
			var inst rundata.BlockInstance
			if b, err := ev.Data.MarshalJSON(); err == nil {
				_ = json.Unmarshal(b, &inst)
			}
			base.Blocks[ev.BlockID] = &inst
		case rundata.EventApprovalRequested:
			if base.Status != rundata.RunCompleted && base.Status != rundata.RunFailed &&
				base.Status != rundata.RunCancelled && base.Status != rundata.RunIterated {
				base.Status = rundata.RunPausedApproval
			}
		case rundata.EventApprovalDecided:
			if base.Status == rundata.RunPausedApproval {
				base.Status = rundata.RunRunning
			}
		case rundata.EventRunComplete:
			base.Status = rundata.RunCompleted
		case rundata.EventRunFail:
			base.Status = rundata.RunFailed
		case rundata.EventRunIterated:
			base.Status = rundata.RunIterated
		}
		base.UpdatedAt = ev.Timestamp
	}
	return base
}
