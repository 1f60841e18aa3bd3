// Package rundata defines the per-run data model: Run, BlockInstance,
// Event, ApprovalRequest, and QueueEntry, plus the reserved context-key
// conventions the executor and approval controller use to thread state
// through a run's context map.
package rundata

import (
	"sync"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/gate"
	"github.com/flowforge/dagrunner/internal/value"
)

// RunStatus is the run-level lifecycle state (spec.md §3.4).
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunPausedApproval RunStatus = "paused_approval"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunIterated       RunStatus = "iterated"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunIterated:
		return true
	default:
		return false
	}
}

// Reserved context key prefixes/names, per spec.md §3.4.
const (
	ContextSharedMemoryKey   = "__shared_memory"
	ContextLatestFeedback    = "__latest_feedback"
	ContextLatestIteratedRun = "__latest_iterated_run_id"
)

// ApprovalMarkerKey is the context key set once a block's approval gate has
// been approved.
func ApprovalMarkerKey(blockID string) string { return "__approval_" + blockID }

// OverrideInputKey is the context key a caller or the approval controller
// can set to force a specific input port's value for a block.
func OverrideInputKey(blockID, port string) string {
	return "__override_input_" + blockID + "_" + port
}

// SharedMemory carries iteration/approval-cycle bookkeeping across reject→
// iterate cycles (spec.md §3.4, §4.H).
type SharedMemory struct {
	OriginalIntent  string     `json:"original_intent"`
	FeedbackHistory []string   `json:"feedback_history,omitempty"`
	Decisions       []Decision `json:"decisions,omitempty"`
	Cycle           int        `json:"cycle"`
	MaxCycles       int        `json:"max_cycles"`
}

// Decision is one recorded approval decision, appended to SharedMemory.
type Decision struct {
	BlockID     string    `json:"block_id"`
	Decision    string    `json:"decision"`
	Notes       string    `json:"notes,omitempty"`
	Feedback    string    `json:"feedback,omitempty"`
	RestartMode string    `json:"restart_mode,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// ErrorInfo records the first blocking cause for a failed block instance
// (spec.md §4.F "Failure semantics").
type ErrorInfo struct {
	Stage            string `json:"stage"`
	Message          string `json:"message"`
	Code             string `json:"code"`
	Repair           string `json:"repair,omitempty"`
	RawOutputPreview string `json:"raw_output_preview,omitempty"`
}

const rawOutputPreviewLimit = 2 * 1024

// TruncateRawOutput clips s to the raw_output_preview size limit (≤2 KiB).
func TruncateRawOutput(s string) string {
	if len(s) <= rawOutputPreviewLimit {
		return s
	}
	return s[:rawOutputPreviewLimit]
}

// RetryState tracks dispatch-attempt progress for a block instance.
type RetryState struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// BlockInstance is the per-run execution record for one block (spec.md §3.3).
type BlockInstance struct {
	BlockID         string                 `json:"block_id"`
	Status          blockdag.Status        `json:"status"`
	InputsResolved  map[string]value.Value `json:"inputs_resolved,omitempty"`
	Outputs         map[string]value.Value `json:"outputs,omitempty"`
	PreGateResults  []gate.Result          `json:"pre_gate_results,omitempty"`
	PostGateResults []gate.Result          `json:"post_gate_results,omitempty"`
	RetryState      RetryState             `json:"retry_state"`
	ErrorInfo       *ErrorInfo             `json:"error_info,omitempty"`
	TokensUsed      int                    `json:"tokens_used,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
}

// Run is the full per-run record (spec.md §3.4).
type Run struct {
	ID      string                    `json:"id"`
	DAGName string                    `json:"dag_name"`
	DAGDef  *blockdag.DAGDef          `json:"dag_def"`
	Status  RunStatus                 `json:"status"`
	Blocks  map[string]*BlockInstance `json:"blocks"`
	Context map[string]value.Value    `json:"context"`

	ParentRunID string `json:"parent_run_id,omitempty"`
	RootRunID   string `json:"root_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// mu guards Context and the fields of the BlockInstances in Blocks
	// against concurrent access from the DAG executor's worker-pool
	// goroutines. Blocks itself is never mutated (keys are fixed at
	// NewRun), so instance lookups by id don't need the lock — only
	// reads/writes of Context and of an instance's fields do.
	mu sync.Mutex
}

// Lock acquires the run's mutex. Callers mutating Context or a
// BlockInstance's fields from a goroutine that isn't the sole owner of
// this run must hold the lock for the duration of the mutation; long-
// running work (adapter dispatch) should happen outside it.
func (r *Run) Lock() { r.mu.Lock() }

// Unlock releases the run's mutex.
func (r *Run) Unlock() { r.mu.Unlock() }

// NewRun builds a fresh Run with one pending BlockInstance per DAG block.
func NewRun(id string, dag *blockdag.DAGDef) *Run {
	blocks := make(map[string]*BlockInstance, len(dag.Blocks))
	for _, b := range dag.Blocks {
		blocks[b.ID] = &BlockInstance{BlockID: b.ID, Status: blockdag.StatusPending, RetryState: RetryState{MaxAttempts: b.Retry.MaxAttempts}}
	}
	now := timeNow()
	return &Run{
		ID:        id,
		DAGName:   dag.Name,
		DAGDef:    dag,
		Status:    RunPending,
		Blocks:    blocks,
		Context:   make(map[string]value.Value),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Statuses projects the run's block instances into the status map the
// blockdag readiness predicate expects.
func (r *Run) Statuses() map[string]blockdag.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]blockdag.Status, len(r.Blocks))
	for id, inst := range r.Blocks {
		out[id] = inst.Status
	}
	return out
}

// Approvals projects the run's context approval markers into the approval
// state map the blockdag readiness predicate expects.
func (r *Run) Approvals() map[string]blockdag.ApprovalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]blockdag.ApprovalState, len(r.DAGDef.Blocks))
	for _, b := range r.DAGDef.Blocks {
		if b.Approval == nil || !b.Approval.Required {
			continue
		}
		_, approved := r.Context[ApprovalMarkerKey(b.ID)]
		_, requested := r.Context["__approval_requested_"+b.ID]
		out[b.ID] = blockdag.ApprovalState{Requested: requested || approved, Approved: approved}
	}
	return out
}

// timeNow exists so tests and callers that need deterministic timestamps can
// be written without depending on wall-clock time inside this package's own
// logic (callers stamp Run/Event times from their own clock where it
// matters; this default keeps NewRun usable standalone).
func timeNow() time.Time { return time.Now().UTC() }
