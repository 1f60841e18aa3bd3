package rundata

import "time"

// QueueStatus is a queue entry's lifecycle state (spec.md §3.7).
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueCancelled QueueStatus = "cancelled"
	QueueFailed    QueueStatus = "failed"
)

// Priority buckets, matching spec.md §3.7's named levels.
const (
	PriorityP0 = 30
	PriorityP1 = 20
	PriorityP2 = 10
	PriorityP3 = 0
)

// QueueEntry is the durable run-admission record (spec.md §3.7), 1:1 with a Run.
type QueueEntry struct {
	RunID          string      `json:"run_id"`
	Status         QueueStatus `json:"status"`
	Priority       int         `json:"priority"`
	ManualRank     *int        `json:"manual_rank,omitempty"`
	ClaimOwner     string      `json:"claim_owner,omitempty"`
	ClaimToken     string      `json:"claim_token,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	Attempt        int         `json:"attempt"`
	Payload        []byte      `json:"payload"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}
