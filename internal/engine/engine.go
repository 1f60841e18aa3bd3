// Package engine owns the single mutable process-wide value the rest of
// the system is built around (SPEC_FULL.md Glossary "Engine"): the active
// run table, the admission pump, the live event hub, and the safety caps.
// It is constructed fresh per process (or per test) and never
// package-scoped, per spec.md §9 "Global mutable state".
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/gate"
	"github.com/flowforge/dagrunner/internal/lease"
	"github.com/flowforge/dagrunner/internal/provider"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/runqueue"
	"github.com/flowforge/dagrunner/internal/safety"
	"github.com/flowforge/dagrunner/internal/sseevents"
)

// Config wires an Engine's collaborators.
type Config struct {
	Store    *eventlog.Store
	Safety   safety.Caps
	Resolver provider.Resolver
	Gate     gate.Options
	Logger   *slog.Logger

	// ExamplesDir is a directory of bundled example DAG files resolved by
	// POST /api/dag/run's "example" field (SPEC_FULL.md §6).
	ExamplesDir string

	// Lease is the optional distributed-lease backend (SPEC_FULL.md §4.Q).
	// A nil Lease means the SQL CAS in runqueue.Queue.ClaimNext alone
	// serializes admission.
	Lease lease.Backend

	// Owner identifies this process for queue claim ownership and cron
	// sweep attribution. Defaults to a fresh xid.
	Owner string

	// Now returns the current time; defaults to time.Now().UTC(). Tests
	// override for determinism.
	Now func() time.Time
}

// activeRun tracks one in-memory run under active execution.
type activeRun struct {
	run    *rundata.Run
	dag    *blockdag.DAGDef
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	waiters map[string]chan struct{} // blockID -> approval-decided signal
}

// Engine is the owned value wiring every component together.
type Engine struct {
	cfg    Config
	store  *eventlog.Store
	queue  *runqueue.Queue
	hub    *sseevents.Hub
	pump   *runqueue.Pump
	cron   *cron.Cron
	logger *slog.Logger
	owner  string
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// New builds an Engine. The caller owns the returned Engine's lifecycle
// and must call Close to stop its pump and cron sweeps.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: Store is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = xid.New().String()
	}

	e := &Engine{
		cfg:    cfg,
		store:  cfg.Store,
		queue:  runqueue.New(cfg.Store.DB(), cfg.Store.Driver()),
		hub:    sseevents.NewHub(nil, nil),
		logger: cfg.Logger,
		owner:  owner,
		now:    cfg.Now,
		active: make(map[string]*activeRun),
	}
	e.hub.Replay = e.replayEvents
	e.hub.Terminal = e.isTerminal

	e.pump = runqueue.NewPump(ctx, runqueue.PumpConfig{
		Queue:         e.queue,
		MaxConcurrent: e.cfg.Safety.MaxConcurrentRuns,
		ActiveCount:   e.activeCount,
		Owner:         owner,
		LeaseMs:       func() int64 { return e.cfg.Safety.QueueLease.Milliseconds() },
		Start:         e.startClaimed,
		Logger:        cfg.Logger,
	})

	e.cron = cron.New()
	orphanSpec := fmt.Sprintf("@every %ds", maxInt(1, int(cfg.Safety.OrphanTimeout.Seconds()/2)))
	if _, err := e.cron.AddFunc(orphanSpec, e.reconcileOrphans); err != nil {
		return nil, fmt.Errorf("engine: schedule orphan sweep: %w", err)
	}
	if _, err := e.cron.AddFunc("@every 5s", e.pump.Trigger); err != nil {
		return nil, fmt.Errorf("engine: schedule safety tick: %w", err)
	}
	e.cron.Start()

	return e, nil
}

// Close stops the cron sweeps. The pump's loop stops when ctx passed to
// New is cancelled by the caller.
func (e *Engine) Close() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// Hub exposes the live event bus for internal/httpapi's SSE handler.
func (e *Engine) Hub() *sseevents.Hub { return e.hub }

// Safety returns the engine's current caps (for GET /api/dag/safety).
func (e *Engine) Safety() safety.Caps { return e.cfg.Safety }

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Owner returns this process's queue-claim/lease identity.
func (e *Engine) Owner() string { return e.owner }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
