// Package gated implements the linear producer/gate-check retry harness: it
// calls a producer repeatedly, extracts a value from its raw output,
// evaluates a gate list against it, and feeds structured feedback back into
// the producer until every gate passes or attempts are exhausted.
package gated

import (
	"context"
	"strconv"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/gate"
	"github.com/flowforge/dagrunner/internal/value"
)

const defaultMaxAttempts = 3

// ProducerInput carries the feedback from the previous failing attempt (if
// any) and the 1-indexed attempt number about to run.
type ProducerInput struct {
	Feedback string
	Attempt  int
}

// Producer produces one raw attempt. Raw is typically a string (LLM output)
// but any value accepted by extract is fine.
type Producer func(ctx context.Context, in ProducerInput) (any, error)

// Config configures one Run.
type Config struct {
	Gates           []blockdag.GateSpec
	Extract         ExtractMode
	CustomExtractor CustomExtractor
	MaxAttempts     int // 0 defaults to 3
	FeedbackEnabled bool
	GateOptions     gate.Options
	OnAttempt       func(attempt int, results []gate.Result)
}

// AttemptRecord is one pass through the produce→extract→gate loop.
type AttemptRecord struct {
	Attempt    int           `json:"attempt"`
	Data       value.Value   `json:"data"`
	Gates      []gate.Result `json:"gates"`
	DurationMS int64         `json:"duration_ms"`
}

// Outcome is returned when every gate passes.
type Outcome struct {
	Data       value.Value     `json:"data"`
	Attempts   int             `json:"attempts"`
	Gates      []gate.Result   `json:"gates"`
	History    []AttemptRecord `json:"history"`
	DurationMS int64           `json:"duration_ms"`
}

// GateExhaustion is raised when MaxAttempts attempts all fail at least one
// gate. It carries the full attempt history and the last extracted value.
type GateExhaustion struct {
	History  []AttemptRecord
	LastData value.Value
}

func (e *GateExhaustion) Error() string {
	return "gated: gate exhaustion after " + strconv.Itoa(len(e.History)) + " attempts"
}

// Run executes the produce→extract→gate-evaluate→feedback loop.
//
// Gates run with a nil or empty Gates list trivially pass on the first
// attempt (no evaluation needed).
func Run(ctx context.Context, producer Producer, cfg Config) (*Outcome, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	start := time.Now()
	var history []AttemptRecord
	var feedback string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStart := time.Now()

		raw, err := producer(ctx, ProducerInput{Feedback: feedback, Attempt: attempt})
		if err != nil {
			results := []gate.Result{{Gate: "producer", Passed: false, Reason: "producer error: " + err.Error()}}
			rec := AttemptRecord{Attempt: attempt, Gates: results, DurationMS: time.Since(attemptStart).Milliseconds()}
			history = append(history, rec)
			if cfg.OnAttempt != nil {
				cfg.OnAttempt(attempt, results)
			}
			if cfg.FeedbackEnabled {
				feedback = gate.Feedback(results)
			}
			continue
		}

		data, err := extract(cfg.Extract, raw, cfg.CustomExtractor)
		if err != nil {
			results := []gate.Result{{Gate: "extract", Passed: false, Reason: err.Error()}}
			rec := AttemptRecord{Attempt: attempt, Gates: results, DurationMS: time.Since(attemptStart).Milliseconds()}
			history = append(history, rec)
			if cfg.OnAttempt != nil {
				cfg.OnAttempt(attempt, results)
			}
			if cfg.FeedbackEnabled {
				feedback = gate.Feedback(results)
			}
			continue
		}

		results := gate.EvaluateAll(ctx, cfg.Gates, data, cfg.GateOptions)
		rec := AttemptRecord{Attempt: attempt, Data: data, Gates: results, DurationMS: time.Since(attemptStart).Milliseconds()}
		history = append(history, rec)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, results)
		}

		if gate.AllPassed(results) {
			return &Outcome{
				Data:       data,
				Attempts:   attempt,
				Gates:      results,
				History:    history,
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		}

		if cfg.FeedbackEnabled {
			feedback = gate.Feedback(results)
		}
	}

	last := value.Null()
	if len(history) > 0 {
		last = history[len(history)-1].Data
	}
	return nil, &GateExhaustion{History: history, LastData: last}
}
