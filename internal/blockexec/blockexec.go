// Package blockexec drives one block instance's lifecycle within a run:
// input resolution, approval preflight, pre-gates, dispatch-with-retry and
// contract repair, post-gates (which may bounce back into dispatch), and
// output propagation. The DAG executor (internal/dagexec) owns scheduling
// and calls Execute once per ready block.
package blockexec

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/gate"
	"github.com/flowforge/dagrunner/internal/gated"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// Deps carries the dependencies Execute needs beyond the run and block
// definitions themselves.
type Deps struct {
	Resolver    provider.Resolver
	GateOptions gate.Options

	// Emit reports a lifecycle event. Required.
	Emit func(ev rundata.Event)

	// RequestApproval persists a newly raised approval request. Required
	// only for blocks that declare approval.required.
	RequestApproval func(ctx context.Context, req rundata.ApprovalRequest) error

	// AwaitApproval blocks until the block's approval is decided or ctx is
	// done. A nil return means approved; any error means the wait ended
	// without approval (the approval controller has already moved the run
	// to its terminal/iterated state) and Execute returns ErrApprovalAborted.
	AwaitApproval func(ctx context.Context, runID, blockID string) error

	// NewApprovalToken mints a fresh approval token. Defaults to a
	// timestamp-derived token if nil (tests can stub it for determinism).
	NewApprovalToken func() string

	// Now returns the current time; defaults to time.Now().UTC().
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Execute runs one block instance to completion (success or failure),
// mutating run.Blocks[block.ID] in place. Callers persist the run snapshot
// and react to emitted events; Execute does not return an error for a
// block that fails for domain reasons (missing input, gate failure,
// exhausted retries) — those are recorded on the instance and reported via
// block:fail. It returns a non-nil error only for ErrApprovalAborted or a
// caller-programming error (resolver unset, etc. surfaced as a failed
// instance, not a panic).
func Execute(ctx context.Context, dag *blockdag.DAGDef, run *rundata.Run, block blockdag.BlockDef, deps Deps) error {
	run.Lock()
	inst := run.Blocks[block.ID]
	run.Unlock()
	if inst == nil {
		return fmt.Errorf("blockexec: run %s has no instance for block %s", run.ID, block.ID)
	}

	run.Lock()
	resolved, err := resolveInputs(dag, run, block)
	if err == nil {
		inst.InputsResolved = resolved
	}
	run.Unlock()
	if err != nil {
		fail(inst, "input", CodeMissingInput, err.Error(), "", deps, run)
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockFail, BlockID: block.ID, Timestamp: deps.now()})
		return nil
	}
	inputs := inputsValue(resolved)

	if block.Approval != nil && block.Approval.Required {
		run.Lock()
		_, approved := run.Context[rundata.ApprovalMarkerKey(block.ID)]
		run.Unlock()
		if !approved {
			if err := requestApproval(ctx, run, block, inputs, deps); err != nil {
				return err
			}
		}
	}

	preResults := gate.EvaluateAll(ctx, block.PreGates, inputs, deps.GateOptions)
	run.Lock()
	inst.PreGateResults = preResults
	run.Unlock()
	if !gate.AllPassed(preResults) {
		fail(inst, "pre_gate", CodePreGateFailed, gate.Feedback(preResults), "", deps, run)
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockFail, BlockID: block.ID, Timestamp: deps.now()})
		return nil
	}

	adapter, err := deps.Resolver.Resolve(block.Agent)
	if err != nil {
		fail(inst, "dispatch", CodeAdapterResolution, err.Error(), "", deps, run)
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockFail, BlockID: block.ID, Timestamp: deps.now()})
		return nil
	}

	now := deps.now()
	run.Lock()
	inst.StartedAt = &now
	inst.Status = blockdag.StatusRunning
	run.Unlock()
	deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockStart, BlockID: block.ID, Timestamp: deps.now()})

	d := &dispatcher{
		ctx:     ctx,
		dag:     dag,
		run:     run,
		block:   block,
		adapter: adapter,
		deps:    deps,
	}

	maxAttempts := 1 + block.Retry.MaxAttempts
	outcome, gerr := gated.Run(ctx, d.produce, gated.Config{
		Gates:           block.PostGates,
		Extract:         gated.ExtractAuto,
		MaxAttempts:     maxAttempts,
		FeedbackEnabled: true,
		GateOptions:     deps.GateOptions,
	})

	finished := deps.now()
	run.Lock()
	inst.FinishedAt = &finished
	inst.RetryState.Attempt = len(d.log)
	inst.TokensUsed = d.totalTokens
	run.Unlock()

	if gerr != nil {
		exhaustion, _ := gerr.(*gated.GateExhaustion)
		last := lastAttempt(d.log)
		stage, code, msg, raw := "dispatch", CodeDispatchFailed, gerr.Error(), ""
		if last != nil {
			stage, code, msg, raw = last.stage, last.code, last.message, last.rawOutput
		}
		if exhaustion != nil && len(exhaustion.History) > 0 {
			lastGates := exhaustion.History[len(exhaustion.History)-1].Gates
			if len(lastGates) > 0 && !gate.AllPassed(lastGates) && (last == nil || last.stage == "") {
				stage, code, msg = "post_gate", CodePostGateFailed, gate.Feedback(lastGates)
			}
			run.Lock()
			inst.PostGateResults = lastGates
			run.Unlock()
		}
		fail(inst, stage, code, msg, raw, deps, run)
		deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockFail, BlockID: block.ID, Timestamp: deps.now()})
		return nil
	}

	run.Lock()
	inst.PostGateResults = outcome.Gates
	inst.Outputs = routeOutputs(block, outcome.Data)
	inst.Status = blockdag.StatusCompleted
	inst.ErrorInfo = nil
	run.Unlock()
	deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventBlockComplete, BlockID: block.ID, Timestamp: deps.now()})
	return nil
}

func fail(inst *rundata.BlockInstance, stage, code, message, raw string, deps Deps, run *rundata.Run) {
	run.Lock()
	defer run.Unlock()
	inst.Status = blockdag.StatusFailed
	inst.ErrorInfo = &rundata.ErrorInfo{
		Stage:            stage,
		Code:             code,
		Message:          message,
		RawOutputPreview: rundata.TruncateRawOutput(raw),
	}
	finished := deps.now()
	inst.FinishedAt = &finished
}

func requestApproval(ctx context.Context, run *rundata.Run, block blockdag.BlockDef, inputs value.Value, deps Deps) error {
	run.Lock()
	inst := run.Blocks[block.ID]
	inst.Status = blockdag.StatusPending
	run.Context["__approval_requested_"+block.ID] = value.Bool(true)
	run.Status = rundata.RunPausedApproval
	run.Unlock()

	token := ""
	if deps.NewApprovalToken != nil {
		token = deps.NewApprovalToken()
	}
	req := rundata.ApprovalRequest{
		Token:          token,
		RunID:          run.ID,
		BlockID:        block.ID,
		Status:         rundata.ApprovalPending,
		Prompt:         block.Approval.Prompt,
		RequestedAt:    deps.now(),
		ContextPreview: inputs,
	}
	if deps.RequestApproval != nil {
		if err := deps.RequestApproval(ctx, req); err != nil {
			return fmt.Errorf("blockexec: persist approval request: %w", err)
		}
	}
	deps.Emit(rundata.Event{RunID: run.ID, Type: rundata.EventApprovalRequested, BlockID: block.ID, Timestamp: deps.now()})

	if deps.AwaitApproval == nil {
		return ErrApprovalAborted
	}
	if err := deps.AwaitApproval(ctx, run.ID, block.ID); err != nil {
		return ErrApprovalAborted
	}
	run.Lock()
	run.Status = rundata.RunRunning
	run.Unlock()
	return nil
}

// routeOutputs maps a post-gate outcome's data onto the block's declared
// output ports: if there's exactly one output port, the whole value binds
// to it; otherwise each port is read as a field of the (object) data.
func routeOutputs(block blockdag.BlockDef, data value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(block.Outputs))
	if len(block.Outputs) == 1 {
		for port := range block.Outputs {
			out[port] = data
		}
		return out
	}
	for port := range block.Outputs {
		if v, ok := data.Field(port); ok {
			out[port] = v
		}
	}
	return out
}
