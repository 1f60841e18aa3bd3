package engine

import (
	"context"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// CodeOrphanedRun is the error_info/event code an orphan-reconciled run and
// its still-incomplete blocks are failed with (spec.md §4.A, §8).
const CodeOrphanedRun = "ORPHANED_RUN"

// reconcileOrphans is the cron-driven sweep (SPEC_FULL.md §4.K): any run
// this process doesn't currently own, sitting in a non-terminal status past
// orphan_timeout, is assumed to belong to a process that crashed or was
// killed before it could finish or re-enqueue the run, and is failed.
func (e *Engine) reconcileOrphans() {
	ctx := context.Background()
	threshold := e.now().Add(-e.cfg.Safety.OrphanTimeout)

	ids, err := e.store.OrphanCandidates(ctx, threshold)
	if err != nil {
		e.logger.Error("engine: orphan sweep query failed", "error", err)
		return
	}

	for _, id := range ids {
		e.mu.Lock()
		_, active := e.active[id]
		e.mu.Unlock()
		if active {
			continue // still genuinely executing in this process
		}
		e.failOrphan(ctx, id)
	}
}

func (e *Engine) failOrphan(ctx context.Context, runID string) {
	run, _, err := e.loadRun(ctx, runID)
	if err != nil {
		e.logger.Error("engine: orphan load failed", "run_id", runID, "error", err)
		return
	}

	now := e.now()
	run.Lock()
	for _, inst := range run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = blockdag.StatusFailed
			inst.ErrorInfo = &rundata.ErrorInfo{
				Stage:   "dispatch",
				Code:    CodeOrphanedRun,
				Message: "run orphaned: no owning process updated it before orphan_timeout elapsed",
			}
			inst.FinishedAt = &now
		}
	}
	run.Status = rundata.RunFailed
	run.Unlock()

	if err := e.store.UpsertRun(ctx, run, nil); err != nil {
		e.logger.Error("engine: orphan persist failed", "run_id", runID, "error", err)
		return
	}
	e.emit(rundata.Event{
		RunID:     runID,
		Type:      rundata.EventRunFail,
		Timestamp: now,
		Data:      value.Object(value.KV("code", value.String(CodeOrphanedRun))),
	})
	if err := e.queue.MarkTerminal(ctx, runID, rundata.QueueFailed, "orphaned"); err != nil {
		e.logger.Warn("engine: orphan mark queue terminal failed", "run_id", runID, "error", err)
	}
}
