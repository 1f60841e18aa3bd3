package runqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowforge/dagrunner/internal/rundata"
)

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Pump is the single-flight admission loop (spec.md §4.B "Admission pump").
// It is triggered on enqueue, run completion/failure, stall timeout, and
// startup; each trigger runs at most one pass concurrently, coalescing
// redundant triggers that arrive while a pass is already in flight.
type Pump struct {
	queue         *Queue
	maxConcurrent int
	activeCount   func() int
	owner         string
	leaseDuration leaseDurationFunc
	start         func(ctx context.Context, claim *Claim) error
	logger        *slog.Logger

	trigger chan struct{}
}

type leaseDurationFunc func() (ownerLeaseMs int64)

// PumpConfig configures a Pump.
type PumpConfig struct {
	Queue         *Queue
	MaxConcurrent int
	ActiveCount   func() int
	Owner         string
	LeaseMs       func() int64
	Start         func(ctx context.Context, claim *Claim) error
	Logger        *slog.Logger
}

// NewPump constructs a Pump and starts its background loop, which runs
// until ctx is cancelled.
func NewPump(ctx context.Context, cfg PumpConfig) *Pump {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pump{
		queue:         cfg.Queue,
		maxConcurrent: cfg.MaxConcurrent,
		activeCount:   cfg.ActiveCount,
		owner:         cfg.Owner,
		leaseDuration: cfg.LeaseMs,
		start:         cfg.Start,
		logger:        logger,
		trigger:       make(chan struct{}, 1),
	}
	go p.loop(ctx)
	return p
}

// Trigger requests a pump pass. Non-blocking: if a pass is already queued
// or running, this is a no-op (the queued pass will pick up any new work).
func (p *Pump) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Pump) loop(ctx context.Context) {
	p.Trigger() // run once at startup
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			p.pass(ctx)
		}
	}
}

func (p *Pump) pass(ctx context.Context) {
	for p.activeCount() < p.maxConcurrent {
		leaseMs := int64(30_000)
		if p.leaseDuration != nil {
			leaseMs = p.leaseDuration()
		}
		claim, err := p.queue.ClaimNext(ctx, p.owner, msDuration(leaseMs))
		if err != nil {
			if err != ErrNoneReady {
				p.logger.Error("runqueue: claim failed", "error", err)
			}
			return
		}

		if err := p.start(ctx, claim); err != nil {
			p.logger.Error("runqueue: start failed", "run_id", claim.RunID, "error", err)
			if markErr := p.queue.MarkTerminal(ctx, claim.RunID, rundata.QueueFailed, err.Error()); markErr != nil {
				p.logger.Error("runqueue: mark terminal after failed start", "run_id", claim.RunID, "error", markErr)
			}
			continue
		}
	}
}
