package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/blockexec"
	"github.com/flowforge/dagrunner/internal/dagexec"
	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/runqueue"
	"github.com/flowforge/dagrunner/internal/safety"
	"github.com/flowforge/dagrunner/internal/value"
)

// StartRun admits a new run of dag: it clamps retries/timeouts to this
// engine's safety caps, persists the run, and enqueues it for the admission
// pump. The returned position is the 1-indexed queue position if the run is
// still waiting, or 0 if it was claimed for execution immediately — the
// caller (internal/httpapi) uses that to choose 201 vs 202.
func (e *Engine) StartRun(ctx context.Context, dag blockdag.DAGDef, priority int, manualRank *int, initialContext map[string]value.Value) (*rundata.Run, int, error) {
	clamped := safety.ClampDAG(dag, e.cfg.Safety)
	parsed, err := blockdag.Parse(clamped)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: parse dag: %w", err)
	}

	run := rundata.NewRun(xid.New().String(), parsed)
	now := e.now()
	run.CreatedAt, run.UpdatedAt = now, now
	for k, v := range initialContext {
		run.Context[k] = v
	}

	if err := e.store.UpsertRun(ctx, run, nil); err != nil {
		return nil, 0, fmt.Errorf("engine: persist new run: %w", err)
	}
	if err := e.queue.Enqueue(ctx, run.ID, priority, manualRank, map[string]string{"dag_name": dag.Name}); err != nil {
		return nil, 0, fmt.Errorf("engine: enqueue run: %w", err)
	}

	e.tryAdmit(ctx) // attempt immediate admission before reporting queue position
	pos, err := e.queue.Position(ctx, run.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: read queue position: %w", err)
	}
	e.pump.Trigger()
	return run, pos, nil
}

// tryAdmit makes one direct, synchronous claim attempt so StartRun can
// report an accurate queue position without racing the pump's own
// asynchronous trigger loop. The pump keeps running in the background for
// every subsequent admission (completions, stall recovery, other callers'
// enqueues).
func (e *Engine) tryAdmit(ctx context.Context) {
	if e.activeCount() >= e.cfg.Safety.MaxConcurrentRuns {
		return
	}
	leaseMs := e.cfg.Safety.QueueLease.Milliseconds()
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	claim, err := e.queue.ClaimNext(ctx, e.owner, time.Duration(leaseMs)*time.Millisecond)
	if err != nil {
		if !errors.Is(err, runqueue.ErrNoneReady) {
			e.logger.Error("engine: immediate admission claim failed", "error", err)
		}
		return
	}
	if err := e.startClaimed(ctx, claim); err != nil {
		e.logger.Error("engine: immediate admission start failed", "run_id", claim.RunID, "error", err)
		if markErr := e.queue.MarkTerminal(ctx, claim.RunID, rundata.QueueFailed, err.Error()); markErr != nil {
			e.logger.Error("engine: mark terminal after failed start", "run_id", claim.RunID, "error", markErr)
		}
	}
}

// startClaimed is the runqueue.Pump's Start callback: given a claimed queue
// entry, it optionally confirms exclusivity against the distributed lease
// backend, marks the entry running, loads the run, and begins executing it
// in a new goroutine. It returns promptly; execution happens async.
func (e *Engine) startClaimed(ctx context.Context, claim *runqueue.Claim) error {
	leaseMs := e.cfg.Safety.QueueLease.Milliseconds()
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	leaseDuration := time.Duration(leaseMs) * time.Millisecond

	if e.cfg.Lease != nil {
		ok, err := e.cfg.Lease.TryAcquire(ctx, claim.RunID, e.owner, leaseDuration)
		if err != nil {
			e.logger.Warn("engine: distributed lease check failed, proceeding on SQL claim alone", "run_id", claim.RunID, "error", err)
		} else if !ok {
			// Another owner holds the distributed lease despite us winning the
			// SQL claim; let our claim's lease expire and retry on a later pass
			// rather than double-execute. SQL remains the source of truth.
			return nil
		}
	}

	if err := e.queue.MarkRunning(ctx, claim.RunID, e.owner, claim.ClaimToken, leaseDuration); err != nil {
		return fmt.Errorf("engine: mark running: %w", err)
	}

	run, dag, err := e.loadRun(ctx, claim.RunID)
	if err != nil {
		return fmt.Errorf("engine: load run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		run:     run,
		dag:     dag,
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: make(map[string]chan struct{}),
	}
	e.mu.Lock()
	e.active[claim.RunID] = ar
	e.mu.Unlock()

	go e.execute(runCtx, ar)
	return nil
}

// execute drives one claimed run to completion via dagexec.Executor, then
// reconciles the queue entry and triggers the pump for the next admission.
func (e *Engine) execute(ctx context.Context, ar *activeRun) {
	defer close(ar.done)

	cfg := dagexec.Config{
		MaxTokensPerRun:   e.cfg.Safety.MaxTokensPerRun,
		MaxTokensPerBlock: e.cfg.Safety.MaxTokensPerBlock,
		StallTimeout:      e.cfg.Safety.StallTimeout,
		Deps: blockexec.Deps{
			Resolver:         e.cfg.Resolver,
			GateOptions:      e.cfg.Gate,
			Emit:             e.emit,
			RequestApproval:  e.persistApproval,
			AwaitApproval:    e.awaitApproval,
			NewApprovalToken: func() string { return xid.New().String() },
			Now:              e.now,
		},
		Emit:    e.emit,
		Persist: e.persist,
	}

	err := dagexec.New(cfg).Run(ctx, ar.run, ar.dag)

	e.mu.Lock()
	delete(e.active, ar.run.ID)
	e.mu.Unlock()

	status := rundata.QueueCompleted
	errMsg := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = rundata.QueueCancelled
	case err != nil:
		status = rundata.QueueFailed
		errMsg = err.Error()
	default:
		ar.run.Lock()
		switch ar.run.Status {
		case rundata.RunFailed:
			status = rundata.QueueFailed
		case rundata.RunCancelled:
			status = rundata.QueueCancelled
		}
		ar.run.Unlock()
	}

	if markErr := e.queue.MarkTerminal(ctx, ar.run.ID, status, errMsg); markErr != nil {
		e.logger.Error("engine: mark queue terminal failed", "run_id", ar.run.ID, "error", markErr)
	}
	e.persist(ctx, ar.run)
	e.pump.Trigger()
}

// emit is shared by dagexec.Config.Emit and blockexec.Deps.Emit: it persists
// the event (assigning its durable sequence number), then fans it out to any
// live SSE subscribers.
func (e *Engine) emit(ev rundata.Event) {
	ctx := context.Background()
	seq, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		e.logger.Error("engine: append event failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
	} else {
		ev.Seq = seq
	}
	e.hub.Broadcast(ev)
}

// persist is dagexec.Config.Persist: a best-effort snapshot write after
// every interesting event, mirroring the existing call sites' pattern of
// persisting without holding run's own mutex.
func (e *Engine) persist(ctx context.Context, run *rundata.Run) {
	if err := e.store.UpsertRun(ctx, run, nil); err != nil {
		e.logger.Error("engine: persist run failed", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) persistApproval(ctx context.Context, req rundata.ApprovalRequest) error {
	return e.store.UpsertApproval(ctx, req)
}

// awaitApproval is blockexec.Deps.AwaitApproval: it blocks the block's
// dispatch goroutine until Engine.Decide signals the block's waiter channel
// (approved or rejected) or ctx is cancelled.
func (e *Engine) awaitApproval(ctx context.Context, runID, blockID string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no active execution for run %s", runID)
	}

	ar.mu.Lock()
	ch, ok := ar.waiters[blockID]
	if !ok {
		ch = make(chan struct{})
		ar.waiters[blockID] = ch
	}
	ar.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
	}

	ar.run.Lock()
	_, approved := ar.run.Context[rundata.ApprovalMarkerKey(blockID)]
	ar.run.Unlock()
	if !approved {
		return fmt.Errorf("engine: approval for block %s was not granted", blockID)
	}
	return nil
}

// replayEvents is sseevents.Hub.Replay.
func (e *Engine) replayEvents(ctx context.Context, runID string, sinceSeq int64) ([]rundata.Event, error) {
	return e.store.EventsSince(ctx, runID, sinceSeq)
}

// isTerminal is sseevents.Hub.Terminal.
func (e *Engine) isTerminal(ctx context.Context, runID string) (bool, error) {
	e.mu.Lock()
	_, active := e.active[runID]
	e.mu.Unlock()
	if active {
		return false, nil
	}
	row, err := e.store.RunRow(ctx, runID)
	if err != nil {
		return false, err
	}
	return rundata.RunStatus(row.Status).Terminal(), nil
}

// loadRun reconstructs a run and its parsed DAG definition from the durable
// store. blockdag.DAGDef's readiness-predicate helpers (Block, Incoming,
// Outgoing, Entrypoints) rely on unexported indices Parse alone populates,
// so a run loaded from persisted JSON is unusable until re-parsed.
func (e *Engine) loadRun(ctx context.Context, runID string) (*rundata.Run, *blockdag.DAGDef, error) {
	row, err := e.store.RunRow(ctx, runID)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil, nil, fmt.Errorf("engine: run %s: %w", runID, err)
		}
		return nil, nil, fmt.Errorf("engine: load run row: %w", err)
	}

	var dagDef blockdag.DAGDef
	if err := json.Unmarshal([]byte(row.DAGJSON), &dagDef); err != nil {
		return nil, nil, fmt.Errorf("engine: unmarshal dag: %w", err)
	}
	parsed, err := blockdag.Parse(dagDef)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: reparse dag: %w", err)
	}

	var run rundata.Run
	if err := json.Unmarshal([]byte(row.RunJSON), &run); err != nil {
		return nil, nil, fmt.Errorf("engine: unmarshal run: %w", err)
	}
	run.DAGDef = parsed
	return &run, parsed, nil
}

// GetRun returns a run by id, preferring the in-memory copy of a run this
// process is actively executing (so callers see live block statuses instead
// of the last persisted snapshot).
func (e *Engine) GetRun(ctx context.Context, runID string) (*rundata.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		return ar.run, nil
	}
	run, _, err := e.loadRun(ctx, runID)
	return run, err
}

// ListRuns returns up to limit runs, most recently updated first, merging in
// any in-memory execution state for runs this process currently owns.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]*rundata.Run, error) {
	rows, err := e.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: list runs: %w", err)
	}

	e.mu.Lock()
	active := make(map[string]*activeRun, len(e.active))
	for id, ar := range e.active {
		active[id] = ar
	}
	e.mu.Unlock()

	out := make([]*rundata.Run, 0, len(rows))
	for _, row := range rows {
		if ar, ok := active[row.ID]; ok {
			out = append(out, ar.run)
			continue
		}
		var dagDef blockdag.DAGDef
		if err := json.Unmarshal([]byte(row.DAGJSON), &dagDef); err != nil {
			continue
		}
		parsed, err := blockdag.Parse(dagDef)
		if err != nil {
			continue
		}
		var run rundata.Run
		if err := json.Unmarshal([]byte(row.RunJSON), &run); err != nil {
			continue
		}
		run.DAGDef = parsed
		out = append(out, &run)
	}
	return out, nil
}

// Replay is the HTTP GET /api/dag/runs/:id/events operation: every event
// with seq greater than sinceSeq, in order.
func (e *Engine) Replay(ctx context.Context, runID string, sinceSeq int64) ([]rundata.Event, error) {
	return e.store.EventsSince(ctx, runID, sinceSeq)
}
