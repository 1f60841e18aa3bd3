package gate

import (
	"context"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/value"
)

const defaultReviewThreshold = 0.8

func evaluateLlmReview(ctx context.Context, spec blockdag.GateSpec, val value.Value, opts Options) Result {
	if opts.Provider == nil {
		return Result{Passed: false, Reason: "no provider"}
	}

	threshold := defaultReviewThreshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}

	review, err := opts.Provider.Review(ctx, ReviewRequest{Output: val, Criteria: spec.Criteria})
	if err != nil {
		return Result{Passed: false, Reason: "provider error: " + err.Error()}
	}

	audit := map[string]any{
		"score":            review.Score,
		"threshold":        threshold,
		"criteria_results": review.CriteriaResults,
	}
	if review.Cost != 0 {
		audit["cost"] = review.Cost
	}

	if review.Score < threshold {
		return Result{Passed: false, Reason: "score below threshold", Audit: audit}
	}
	return Result{Passed: true, Audit: audit}
}
