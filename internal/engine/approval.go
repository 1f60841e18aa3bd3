package engine

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/flowforge/dagrunner/internal/approval"
	"github.com/flowforge/dagrunner/internal/rundata"
)

// LatestPendingApproval exposes the durable store's lookup directly, for
// GET /api/dag/approvals/latest's tokenless inspect.
func (e *Engine) LatestPendingApproval(ctx context.Context, runID string) (rundata.ApprovalRequest, error) {
	return e.store.LatestPendingApproval(ctx, runID)
}

// Decide resolves a pending approval for runID, wrapping approval.Decide and
// signaling the approval-waiting block's dispatch goroutine (awaitApproval)
// once the decision is applied. It returns the spawned iteration run on a
// reject decision (nil on approve), which the caller must persist+enqueue —
// handled here so httpapi never has to know about iteration internals.
func (e *Engine) Decide(ctx context.Context, runID string, dec approval.Decision) (*rundata.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: run %s has no active execution awaiting approval", runID)
	}

	req, err := e.resolveApproval(ctx, runID, dec.Token)
	if err != nil {
		return nil, err
	}

	deps := approval.Deps{
		Store:    e.store,
		NewRunID: func() string { return xid.New().String() },
		Emit:     e.emit,
		Now:      e.now,
	}
	newRun, decErr := approval.Decide(ctx, deps, ar.run, ar.dag, dec)

	ar.mu.Lock()
	if ch, ok := ar.waiters[req.BlockID]; ok {
		close(ch)
		delete(ar.waiters, req.BlockID)
	}
	ar.mu.Unlock()

	if persistErr := e.store.UpsertRun(ctx, ar.run, nil); persistErr != nil {
		e.logger.Error("engine: persist run after approval decision failed", "run_id", runID, "error", persistErr)
	}

	if decErr != nil {
		return nil, decErr
	}

	if newRun != nil {
		if err := e.store.UpsertRun(ctx, newRun, nil); err != nil {
			return nil, fmt.Errorf("engine: persist iterated run: %w", err)
		}
		if err := e.queue.Enqueue(ctx, newRun.ID, 0, nil, map[string]string{"dag_name": newRun.DAGName}); err != nil {
			return nil, fmt.Errorf("engine: enqueue iterated run: %w", err)
		}
		e.pump.Trigger()
	}
	return newRun, nil
}

// resolveApproval looks up the pending approval request a decision targets,
// mirroring approval.Decide's own "latest" fallback so Decide knows which
// block's waiter to signal before calling into the approval package.
func (e *Engine) resolveApproval(ctx context.Context, runID, token string) (rundata.ApprovalRequest, error) {
	var (
		req rundata.ApprovalRequest
		err error
	)
	if token == "" || token == "latest" {
		req, err = e.store.LatestPendingApproval(ctx, runID)
	} else {
		req, err = e.store.GetApproval(ctx, token)
	}
	if err != nil {
		return rundata.ApprovalRequest{}, fmt.Errorf("engine: resolve approval: %w", err)
	}
	if req.RunID != runID {
		return rundata.ApprovalRequest{}, fmt.Errorf("engine: approval token does not belong to run %s", runID)
	}
	return req, nil
}
