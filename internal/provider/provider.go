// Package provider declares the external provider adapter contract blocks
// dispatch work through, and the llm-review provider contract the
// llm_review gate calls. Concrete adapters live under internal/adapter.
package provider

import (
	"context"
	"encoding/json"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

// DispatchRequest is the information a block executor sends to an adapter.
type DispatchRequest struct {
	Title              string
	Description        string
	Context            value.Value
	AcceptanceCriteria []string
	BounceCount        int
	Agent              blockdag.AgentSelector
	System             string
	OutputSchema       json.RawMessage
	ModelParams        map[string]any
}

// DispatchResult is what an adapter reports back.
type DispatchResult struct {
	Success        bool
	Output         string
	TokensUsed     int
	Error          string
	ActualProvider string
	ActualModel    string
}

// Adapter dispatches one block's work. Cancellation/deadline propagate via
// ctx rather than a separate abort-signal field — idiomatic Go already
// gives adapters everything the wire contract's abortSignal/deadline pair
// would.
type Adapter interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

// StreamChunk is one incremental piece of a streaming dispatch.
type StreamChunk struct {
	Delta string
}

// StreamingAdapter is implemented by adapters that can report partial
// output as it's produced. Optional — callers type-assert for it.
type StreamingAdapter interface {
	DispatchStream(ctx context.Context, req DispatchRequest, onChunk func(StreamChunk)) (DispatchResult, error)
}

// HealthChecker is implemented by adapters that can report liveness before
// being dispatched to. Optional — callers type-assert for it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Resolver maps a block's agent selector onto a concrete Adapter.
type Resolver interface {
	Resolve(selector blockdag.AgentSelector) (Adapter, error)
}

// ReviewRequest/Result mirror the llm_review gate's provider contract
// (gate.LlmProvider); declared here too so adapter packages that implement
// both contracts don't need to import the gate package for the type.
type ReviewRequest struct {
	Output   value.Value
	Criteria []string
}

type ReviewResult struct {
	Passed          bool
	Score           float64
	CriteriaResults []CriteriaResult
	Cost            float64
}

type CriteriaResult struct {
	Criteria string
	Passed   bool
	Score    float64
}
