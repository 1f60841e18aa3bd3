package blockexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/gate"
	"github.com/flowforge/dagrunner/internal/gated"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// attemptLog records one dispatch attempt's outcome for error-reporting
// purposes; stage is empty when the dispatch itself succeeded (a later
// post-gate failure is attributed to the block, not this attempt).
type attemptLog struct {
	stage, code, message, rawOutput string
	tokens                          int
}

type dispatcher struct {
	ctx     context.Context
	dag     *blockdag.DAGDef
	run     *rundata.Run
	block   blockdag.BlockDef
	adapter provider.Adapter
	deps    Deps

	log         []attemptLog
	totalTokens int
}

// produce is the gated.Producer backing one dispatch-with-retry attempt,
// including backoff, the adapter call, and contract repair.
func (d *dispatcher) produce(ctx context.Context, in gated.ProducerInput) (any, error) {
	if in.Attempt > 1 {
		d.run.Lock()
		d.run.Blocks[d.block.ID].Status = blockdag.StatusRetrying
		d.run.Unlock()
		if err := d.wait(ctx, backoffDelay(d.block.Retry, in.Attempt)); err != nil {
			d.log = append(d.log, attemptLog{stage: "cancelled", code: CodeCancelled, message: err.Error()})
			return "", err
		}
		d.run.Lock()
		d.run.Blocks[d.block.ID].Status = blockdag.StatusRunning
		d.run.Unlock()
	}

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if d.block.TimeoutMS > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, time.Duration(d.block.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	d.run.Lock()
	reqContext := inputsValue(d.run.Blocks[d.block.ID].InputsResolved)
	d.run.Unlock()

	req := provider.DispatchRequest{
		Title:              d.block.Name,
		Description:        describeAttempt(d.block.Name, in.Feedback),
		Context:            reqContext,
		AcceptanceCriteria: criteriaFor(d.block),
		BounceCount:        in.Attempt - 1,
		Agent:              d.block.Agent,
		OutputSchema:       json.RawMessage(d.block.OutputSchema),
	}

	result, err := d.adapter.Dispatch(dispatchCtx, req)
	if dispatchCtx.Err() == context.DeadlineExceeded {
		d.log = append(d.log, attemptLog{stage: "timeout", code: CodeBlockTimeout, message: "block dispatch exceeded timeout_ms"})
		return "", errors.New("dispatch timed out")
	}
	if err != nil {
		d.log = append(d.log, attemptLog{stage: "dispatch", code: CodeAdapterError, message: err.Error()})
		return "", err
	}
	if !result.Success {
		d.log = append(d.log, attemptLog{stage: "dispatch", code: CodeDispatchFailed, message: result.Error, rawOutput: result.Output})
		return "", fmt.Errorf("adapter reported failure: %s", result.Error)
	}

	d.totalTokens += result.TokensUsed
	output := result.Output

	if len(d.block.OutputSchema) > 0 {
		output, err = d.repairIfNeeded(dispatchCtx, req, result)
		if err != nil {
			d.log = append(d.log, attemptLog{stage: "contract", code: CodeContractMismatch, message: err.Error(), rawOutput: result.Output, tokens: result.TokensUsed})
			return "", err
		}
	}

	d.log = append(d.log, attemptLog{rawOutput: output, tokens: result.TokensUsed})
	return output, nil
}

// repairIfNeeded validates result.Output against the block's output_schema
// and, on mismatch, makes one additional adapter call with a repair prompt.
// Returns the final (possibly repaired) output, or an error if it still
// doesn't match.
func (d *dispatcher) repairIfNeeded(ctx context.Context, req provider.DispatchRequest, result provider.DispatchResult) (string, error) {
	parsed, perr := value.ParseJSON([]byte(result.Output))
	if perr == nil {
		schemaResult := gate.Evaluate(ctx, blockdag.GateSpec{Type: "json_schema", Schema: d.block.OutputSchema}, parsed, d.deps.GateOptions)
		if schemaResult.Passed {
			return result.Output, nil
		}
	}

	repairReq := req
	repairReq.Description = "Repair the previous output to match the required schema. Previous output:\n" +
		rundata.TruncateRawOutput(result.Output) + "\nFeedback: " + req.Description
	repairReq.BounceCount = req.BounceCount + 1

	repaired, err := d.adapter.Dispatch(ctx, repairReq)
	if err != nil {
		return "", fmt.Errorf("contract repair dispatch: %w", err)
	}
	if !repaired.Success {
		return "", fmt.Errorf("contract repair failed: %s", repaired.Error)
	}
	d.totalTokens += repaired.TokensUsed

	parsed, perr = value.ParseJSON([]byte(repaired.Output))
	if perr != nil {
		return "", fmt.Errorf("contract repair output is not valid JSON: %w", perr)
	}
	schemaResult := gate.Evaluate(ctx, blockdag.GateSpec{Type: "json_schema", Schema: d.block.OutputSchema}, parsed, d.deps.GateOptions)
	if !schemaResult.Passed {
		return "", fmt.Errorf("output still does not match schema after repair: %s", gate.Feedback([]gate.Result{schemaResult}))
	}
	return repaired.Output, nil
}

func (d *dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(retry blockdag.RetryPolicy, attempt int) time.Duration {
	delay := time.Duration(retry.DelayMS) * time.Millisecond
	switch retry.Backoff {
	case blockdag.BackoffLinear:
		return delay * time.Duration(attempt)
	case blockdag.BackoffExponential:
		return delay * time.Duration(1<<uint(attempt-1))
	default:
		return 0
	}
}

func describeAttempt(name, feedback string) string {
	if feedback == "" {
		return name
	}
	return name + "\n\nPrevious attempt feedback:\n" + feedback
}

func criteriaFor(block blockdag.BlockDef) []string {
	var out []string
	for _, g := range block.PostGates {
		if g.Type == "llm_review" {
			out = append(out, g.Criteria...)
		}
	}
	return out
}

func lastAttempt(log []attemptLog) *attemptLog {
	if len(log) == 0 {
		return nil
	}
	return &log[len(log)-1]
}
