// Package dagexec implements the DAG-level scheduler: it computes the
// ready set via internal/blockdag, submits ready blocks to a bounded
// worker pool that calls internal/blockexec, and drives a run to
// completion, failure, or cancellation.
package dagexec

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/blockexec"
	"github.com/flowforge/dagrunner/internal/rundata"
)

// ErrStallTimeout is returned when a run is forcibly cancelled after its
// stall guard's grace rearms are exhausted.
var ErrStallTimeout = errors.New("dagexec: stall timeout exceeded")

const (
	defaultMaxParallel  = 4
	defaultStallTimeout = 5 * time.Minute
	stallGraceRearms    = 3
)

// Config configures one Executor.
type Config struct {
	MaxParallel       int
	MaxTokensPerRun   int
	MaxTokensPerBlock int
	StallTimeout      time.Duration

	Deps blockexec.Deps

	// Emit reports a run-level lifecycle event.
	Emit func(ev rundata.Event)

	// Persist is called after every interesting event so the caller can
	// write a snapshot (spec.md §4.G step 7). Errors are logged by the
	// caller's own Persist implementation, not surfaced here.
	Persist func(ctx context.Context, run *rundata.Run)
}

// Executor drives one run's worker-pool scheduling loop.
type Executor struct {
	cfg Config
}

// New builds an Executor. A zero Config uses sane defaults (maxParallel 4,
// no budgets, 5-minute stall timeout).
func New(cfg Config) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.Emit == nil {
		cfg.Emit = func(rundata.Event) {}
	}
	if cfg.Persist == nil {
		cfg.Persist = func(context.Context, *rundata.Run) {}
	}
	return &Executor{cfg: cfg}
}

type blockResult struct {
	blockID string
	err     error
}

// Run drives run to a terminal status (completed, failed, or cancelled),
// or returns blockexec.ErrApprovalAborted if execution paused on an
// approval whose wait never resolved in this call (the caller resumes a
// paused run via a fresh Run call once the approval is decided).
func (e *Executor) Run(ctx context.Context, run *rundata.Run, dag *blockdag.DAGDef) error {
	// runCtx is cancelled on any finalization path (normal finish, external
	// cancellation, or a forced stall timeout) so in-flight dispatches
	// actually stop instead of running on unobserved after the run's
	// bookkeeping has already moved to a terminal status.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.cfg.MaxParallel)
	results := make(chan blockResult, e.cfg.MaxParallel)
	submitted := make(map[string]bool, len(dag.Blocks))
	inFlight := 0

	run.Lock()
	pending := run.Status == rundata.RunPending
	if pending {
		run.Status = rundata.RunRunning
	}
	run.Unlock()
	if pending {
		e.cfg.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunStart, Timestamp: time.Now().UTC()})
	}

	stallTimer := time.NewTimer(e.cfg.StallTimeout)
	defer stallTimer.Stop()
	grace := 0

	for {
		if ctx.Err() != nil {
			return e.cancelRun(run, inFlight, results)
		}

		run.Lock()
		paused := run.Status == rundata.RunPausedApproval
		run.Unlock()
		if paused {
			select {
			case <-ctx.Done():
				return e.cancelRun(run, inFlight, results)
			case r := <-results:
				inFlight--
				if e.handleResult(run, dag, r) {
					return nil
				}
			}
			continue
		}

		e.submitReady(runCtx, dag, run, submitted, sem, results, &inFlight)

		if inFlight == 0 {
			// Nothing ready and nothing running: either every block is
			// terminal, or every remaining block is blocked on a failed
			// or skipped upstream that will never complete. cascadeSkip
			// resolves the latter case so the loop below can terminate.
			cascadeSkip(dag, run)
			return e.finish(run)
		}

		select {
		case <-ctx.Done():
			return e.cancelRun(run, inFlight, results)
		case r := <-results:
			inFlight--
			resetTimer(stallTimer, e.cfg.StallTimeout)
			grace = 0
			if e.handleResult(run, dag, r) {
				return nil
			}
			if allTerminal(run) {
				return e.finish(run)
			}
		case <-stallTimer.C:
			if inFlight > 0 {
				grace++
				if grace > stallGraceRearms {
					return e.stallCancel(run)
				}
			}
			resetTimer(stallTimer, e.cfg.StallTimeout)
		}
	}
}

// submitReady submits every currently-ready, not-yet-submitted block to
// the worker pool, enforcing per-run/per-block token budgets first.
func (e *Executor) submitReady(ctx context.Context, dag *blockdag.DAGDef, run *rundata.Run, submitted map[string]bool, sem chan struct{}, results chan blockResult, inFlight *int) {
	for _, id := range blockdag.ReadyBlocks(dag, run.Statuses(), run.Approvals()) {
		if submitted[id] {
			continue
		}
		block, ok := dag.Block(id)
		if !ok {
			continue
		}
		if e.cfg.MaxTokensPerRun > 0 && totalTokensUsed(run) >= e.cfg.MaxTokensPerRun {
			submitted[id] = true
			run.Lock()
			inst := run.Blocks[id]
			inst.Status = blockdag.StatusFailed
			inst.ErrorInfo = &rundata.ErrorInfo{Stage: "dispatch", Code: "BUDGET_EXCEEDED", Message: "run token budget exceeded"}
			run.Unlock()
			continue
		}
		submitted[id] = true
		*inFlight++

		go func(b blockdag.BlockDef) {
			sem <- struct{}{} // blocks here once maxParallel workers are active
			defer func() { <-sem }()
			err := blockexec.Execute(ctx, dag, run, b, e.cfg.Deps)
			results <- blockResult{blockID: b.ID, err: err}
		}(block)
	}
}

// handleResult folds one completed block's outcome into the run. It
// returns true if the caller should stop immediately (an approval wait
// aborted without a decision, meaning some other actor already moved the
// run to its next state).
func (e *Executor) handleResult(run *rundata.Run, dag *blockdag.DAGDef, r blockResult) bool {
	if errors.Is(r.err, blockexec.ErrApprovalAborted) {
		return true
	}
	e.cfg.Persist(context.Background(), run)
	e.checkBudget(run)
	run.Lock()
	inst := run.Blocks[r.blockID]
	failed := inst != nil && inst.Status == blockdag.StatusFailed
	run.Unlock()
	if failed {
		cascadeSkip(dag, run)
	}
	return false
}

// checkBudget marks a just-completed block as failed with BUDGET_EXCEEDED
// if its own token usage breached maxTokensPerBlock. The run-level budget
// (maxTokensPerRun) is enforced earlier, at submission time, since it can
// be checked against already-known cumulative usage; a single block's
// usage is only known once its own dispatch returns.
func (e *Executor) checkBudget(run *rundata.Run) {
	if e.cfg.MaxTokensPerBlock <= 0 {
		return
	}
	run.Lock()
	defer run.Unlock()
	for _, inst := range run.Blocks {
		if inst.Status == blockdag.StatusCompleted && inst.TokensUsed > e.cfg.MaxTokensPerBlock {
			inst.Status = blockdag.StatusFailed
			inst.ErrorInfo = &rundata.ErrorInfo{Stage: "dispatch", Code: "BUDGET_EXCEEDED", Message: "block exceeded maxTokensPerBlock"}
		}
	}
}

func totalTokensUsed(run *rundata.Run) int {
	run.Lock()
	defer run.Unlock()
	total := 0
	for _, inst := range run.Blocks {
		total += inst.TokensUsed
	}
	return total
}

func (e *Executor) finish(run *rundata.Run) error {
	run.Lock()
	failed := anyFailedLocked(run)
	if failed {
		run.Status = rundata.RunFailed
	} else {
		run.Status = rundata.RunCompleted
	}
	run.Unlock()
	if failed {
		e.cfg.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunFail, Timestamp: time.Now().UTC()})
	} else {
		e.cfg.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunComplete, Timestamp: time.Now().UTC()})
	}
	e.cfg.Persist(context.Background(), run)
	return nil
}

func (e *Executor) cancelRun(run *rundata.Run, inFlight int, results chan blockResult) error {
	for i := 0; i < inFlight; i++ {
		<-results // let in-flight blocks settle before finalizing, per spec.md §4.G
	}
	run.Lock()
	markNonTerminalSkippedLocked(run)
	run.Status = rundata.RunCancelled
	run.Unlock()
	e.cfg.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunFail, Timestamp: time.Now().UTC()})
	e.cfg.Persist(context.Background(), run)
	return context.Canceled
}

func (e *Executor) stallCancel(run *rundata.Run) error {
	run.Lock()
	markNonTerminalSkippedLocked(run)
	run.Status = rundata.RunCancelled
	run.Unlock()
	e.cfg.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunFail, Timestamp: time.Now().UTC()})
	e.cfg.Persist(context.Background(), run)
	return ErrStallTimeout
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func allTerminal(run *rundata.Run) bool {
	run.Lock()
	defer run.Unlock()
	for _, inst := range run.Blocks {
		if !inst.Status.Terminal() {
			return false
		}
	}
	return true
}

// anyFailedLocked assumes the caller already holds run's lock.
func anyFailedLocked(run *rundata.Run) bool {
	for _, inst := range run.Blocks {
		if inst.Status == blockdag.StatusFailed {
			return true
		}
	}
	return false
}

// markNonTerminalSkippedLocked assumes the caller already holds run's lock.
func markNonTerminalSkippedLocked(run *rundata.Run) {
	for _, inst := range run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = blockdag.StatusSkipped
		}
	}
}

// cascadeSkip marks every pending block whose upstream is failed or
// skipped as skipped too, repeating until no more blocks change — this is
// what lets a run with an unaffected parallel branch keep progressing
// while the branch downstream of a failure is given up on.
func cascadeSkip(dag *blockdag.DAGDef, run *rundata.Run) {
	run.Lock()
	defer run.Unlock()
	for {
		changed := false
		for _, b := range dag.Blocks {
			inst := run.Blocks[b.ID]
			if inst.Status != blockdag.StatusPending {
				continue
			}
			for _, e := range dag.Incoming(b.ID) {
				up := run.Blocks[e.From.Block]
				if up.Status == blockdag.StatusFailed || up.Status == blockdag.StatusSkipped {
					inst.Status = blockdag.StatusSkipped
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}
