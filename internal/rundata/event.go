package rundata

import (
	"time"

	"github.com/flowforge/dagrunner/internal/value"
)

// EventType enumerates the append-only event types a run emits (spec.md §3.5).
type EventType string

const (
	EventRunStart          EventType = "run:start"
	EventBlockStart        EventType = "block:start"
	EventBlockComplete     EventType = "block:complete"
	EventBlockFail         EventType = "block:fail"
	EventApprovalRequested EventType = "approval:requested"
	EventApprovalDecided   EventType = "approval:decided"
	EventRunComplete       EventType = "run:complete"
	EventRunFail           EventType = "run:fail"
	EventRunIterated       EventType = "run:iterated"

	// EventQueueAudit is not part of spec.md §3.5's closed run-lifecycle
	// event set; it's a SPEC_FULL.md §9 supplemented audit record for queue
	// re-prioritization, appended to the same store so the queue doesn't
	// need a table of its own. It never appears in a run's replay/fold
	// stream semantics (eventlog.Rebuild ignores unknown types).
	EventQueueAudit EventType = "queue:audit"
)

// Terminal reports whether this event type marks the end of a run's
// live stream (spec.md §4.I: the bus closes after run:complete/run:fail,
// and after run:iterated since the parent run's own stream is done even
// though a new child run continues).
func (t EventType) Terminal() bool {
	switch t {
	case EventRunComplete, EventRunFail, EventRunIterated:
		return true
	default:
		return false
	}
}

// Event is one immutable, append-only record in a run's event log.
type Event struct {
	Seq       int64       `json:"seq"`
	RunID     string      `json:"run_id"`
	Type      EventType   `json:"type"`
	BlockID   string      `json:"block_id,omitempty"`
	Data      value.Value `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ApprovalStatus is the lifecycle state of an Approval Request (spec.md §3.6).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RestartMode controls how a rejected iteration re-seeds its new run.
type RestartMode string

const (
	RestartRefine      RestartMode = "refine"
	RestartFromScratch RestartMode = "from_scratch"
)

// ApprovalRequest is a pending or decided human-approval gate (spec.md §3.6).
type ApprovalRequest struct {
	Token          string         `json:"token"`
	RunID          string         `json:"run_id"`
	BlockID        string         `json:"block_id"`
	Status         ApprovalStatus `json:"status"`
	Prompt         string         `json:"prompt"`
	RequestedAt    time.Time      `json:"requested_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Feedback       string         `json:"feedback,omitempty"`
	RestartMode    RestartMode    `json:"restart_mode,omitempty"`
	ContextPreview value.Value    `json:"context_preview,omitempty"`
}
