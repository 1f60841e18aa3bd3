// Package approval resolves human approval decisions against a paused run:
// approve resumes the run in place, reject spawns a new iteration run
// carrying the feedback and shared-memory cycle count forward (spec.md
// §4.H).
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// Store is the subset of *eventlog.Store a decision needs.
type Store interface {
	GetApproval(ctx context.Context, token string) (rundata.ApprovalRequest, error)
	LatestPendingApproval(ctx context.Context, runID string) (rundata.ApprovalRequest, error)
	UpsertApproval(ctx context.Context, req rundata.ApprovalRequest) error
}

// Deps carries Decide's collaborators.
type Deps struct {
	Store Store

	// NewRunID mints a fresh run id for a reject→iterate spawn. Required.
	NewRunID func() string

	// Emit reports a lifecycle event. Required.
	Emit func(ev rundata.Event)

	// Now returns the current time; defaults to time.Now().UTC().
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Decision is the caller-supplied outcome for a pending approval.
type Decision struct {
	Token       string
	Approved    bool
	Notes       string
	Feedback    string
	RestartMode rundata.RestartMode
}

// Decide resolves token against run's pending approvals and applies the
// decision. On approve, run is mutated in place (its approval marker is
// set, and it's moved out of paused_approval) and the caller should
// resume scheduling it via dagexec.Executor.Run. On reject, run is marked
// iterated and a new run is returned for the caller to persist and
// enqueue; if the reject would exceed max_cycles, run is instead marked
// failed and ErrMaxCyclesReached is returned.
func Decide(ctx context.Context, deps Deps, run *rundata.Run, dag *blockdag.DAGDef, dec Decision) (*rundata.Run, error) {
	token := dec.Token
	if token == "" {
		token = latestToken
	}

	var (
		req rundata.ApprovalRequest
		err error
	)
	if token == latestToken {
		req, err = deps.Store.LatestPendingApproval(ctx, run.ID)
	} else {
		req, err = deps.Store.GetApproval(ctx, token)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if req.RunID != run.ID || req.Status != rundata.ApprovalPending {
		return nil, ErrInvalidToken
	}

	now := deps.now()
	req.DecidedAt = &now
	req.Notes = dec.Notes

	if dec.Approved {
		req.Status = rundata.ApprovalApproved
		if err := deps.Store.UpsertApproval(ctx, req); err != nil {
			return nil, fmt.Errorf("approval: persist decision: %w", err)
		}
		run.Lock()
		run.Context[rundata.ApprovalMarkerKey(req.BlockID)] = value.Bool(true)
		if run.Status == rundata.RunPausedApproval {
			run.Status = rundata.RunRunning
		}
		run.Unlock()
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventApprovalDecided, BlockID: req.BlockID, Timestamp: now})
		return nil, nil
	}

	req.Status = rundata.ApprovalRejected
	req.Feedback = dec.Feedback
	req.RestartMode = dec.RestartMode

	shared := loadSharedMemory(run)
	shared.Cycle++
	maxCycles := shared.MaxCycles
	if maxCycles == 0 {
		maxCycles = defaultMaxCycles
	}
	shared.FeedbackHistory = append(shared.FeedbackHistory, dec.Feedback)
	shared.Decisions = append(shared.Decisions, rundata.Decision{
		BlockID:     req.BlockID,
		Decision:    "reject",
		Notes:       dec.Notes,
		Feedback:    dec.Feedback,
		RestartMode: string(dec.RestartMode),
		DecidedAt:   now,
	})

	if shared.Cycle > maxCycles {
		if err := deps.Store.UpsertApproval(ctx, req); err != nil {
			return nil, fmt.Errorf("approval: persist decision: %w", err)
		}
		run.Lock()
		if inst := run.Blocks[req.BlockID]; inst != nil {
			inst.Status = blockdag.StatusFailed
			inst.ErrorInfo = &rundata.ErrorInfo{Stage: "post_gate", Code: CodeMaxCyclesReached, Message: "reject cycle limit reached"}
		}
		run.Status = rundata.RunFailed
		run.Unlock()
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunFail, BlockID: req.BlockID, Timestamp: now})
		return nil, ErrMaxCyclesReached
	}

	if err := deps.Store.UpsertApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: persist decision: %w", err)
	}

	newRun := spawnIteration(deps, run, dag, req.BlockID, dec.RestartMode, shared, dec.Feedback, now)

	run.Lock()
	rootID := run.RootRunID
	if rootID == "" {
		rootID = run.ID
	}
	run.Context[rundata.ContextLatestIteratedRun] = value.String(newRun.ID)
	run.Status = rundata.RunIterated
	run.Unlock()
	newRun.RootRunID = rootID

	deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventRunIterated, BlockID: req.BlockID, Timestamp: now,
		Data: value.Object(value.KV("new_run_id", value.String(newRun.ID)))})

	return newRun, nil
}

func loadSharedMemory(run *rundata.Run) rundata.SharedMemory {
	run.Lock()
	v, ok := run.Context[rundata.ContextSharedMemoryKey]
	run.Unlock()
	if !ok {
		return rundata.SharedMemory{}
	}
	var shared rundata.SharedMemory
	b, err := v.MarshalJSON()
	if err != nil {
		return rundata.SharedMemory{}
	}
	if err := json.Unmarshal(b, &shared); err != nil {
		return rundata.SharedMemory{}
	}
	return shared
}
