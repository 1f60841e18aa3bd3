// Package gate implements the five pure gate evaluators — json_schema,
// expression, word_count, llm_review, shell — each taking a produced
// value.Value and returning a structured pass/fail result.
package gate

import (
	"context"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

// Detail is one structured failure within a gate result, identified by its
// dotted/indexed path into the evaluated value (e.g. "user.age", "items.1.id").
type Detail struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of one gate evaluation.
type Result struct {
	Gate       string         `json:"gate"`
	Passed     bool           `json:"passed"`
	Reason     string         `json:"reason,omitempty"`
	Details    []Detail       `json:"details,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Audit      map[string]any `json:"audit,omitempty"`
}

// ReviewRequest is passed to an LlmProvider for the llm_review gate.
type ReviewRequest struct {
	Output   value.Value
	Criteria []string
}

// CriteriaResult is one scored criterion from an LlmProvider review.
type CriteriaResult struct {
	Criteria string  `json:"criteria"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
}

// ReviewResult is an LlmProvider's verdict for the llm_review gate.
type ReviewResult struct {
	Passed          bool             `json:"passed"`
	Score           float64          `json:"score"`
	CriteriaResults []CriteriaResult `json:"criteria_results,omitempty"`
	Cost            float64          `json:"cost,omitempty"`
}

// LlmProvider backs the llm_review gate. Implementations call out to
// whatever judge model the deployment wires up.
type LlmProvider interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// Options carries the evaluation-time dependencies a gate may need. The
// zero Options is valid and makes llm_review and shell fail closed.
type Options struct {
	Provider LlmProvider

	// ShellGatesEnabled mirrors the deployment's opt-in flag for the shell
	// gate. The caller reads this from its own config/env layer; the gate
	// package stays pure and takes no env dependency of its own.
	ShellGatesEnabled bool
}

// Evaluate runs the gate described by spec against val and returns its result.
func Evaluate(ctx context.Context, spec blockdag.GateSpec, val value.Value, opts Options) Result {
	start := time.Now()
	res := evaluate(ctx, spec, val, opts)
	res.Gate = spec.Type
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

func evaluate(ctx context.Context, spec blockdag.GateSpec, val value.Value, opts Options) Result {
	switch spec.Type {
	case "json_schema":
		return evaluateJSONSchema(spec, val)
	case "expression":
		return evaluateExpression(spec, val)
	case "word_count":
		return evaluateWordCount(spec, val)
	case "llm_review":
		return evaluateLlmReview(ctx, spec, val, opts)
	case "shell":
		return evaluateShell(ctx, spec, opts)
	default:
		return Result{Passed: false, Reason: "unknown gate type: " + spec.Type}
	}
}

// EvaluateAll runs gates in order and returns one Result per gate. It does
// not stop at the first failure — callers that need short-circuiting (the
// executor's pre-gate stage) check Results[i].Passed themselves.
func EvaluateAll(ctx context.Context, specs []blockdag.GateSpec, val value.Value, opts Options) []Result {
	results := make([]Result, len(specs))
	for i, spec := range specs {
		results[i] = Evaluate(ctx, spec, val, opts)
	}
	return results
}

// Feedback composes human-readable retry feedback from the failing results
// in a batch, per the gate-harness contract (gate name/expr, reason, path).
func Feedback(results []Result) string {
	var out string
	for _, r := range results {
		if r.Passed {
			continue
		}
		line := "gate " + r.Gate + " failed"
		if r.Reason != "" {
			line += ": " + r.Reason
		}
		for _, d := range r.Details {
			line += "; " + d.Path + ": " + d.Message
		}
		if out != "" {
			out += "\n"
		}
		out += line
	}
	return out
}

// AllPassed reports whether every result in the batch passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
