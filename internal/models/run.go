package models

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates lifecycle states of an async planning run.
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunSucceeded  = "succeeded"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
	RunDeadLetter = "dead_lettered"
)

// Run kinds accepted by the worker.
const (
	RunAllocateQuantity = "allocate_quantity"
	RunScheduleTasks    = "schedule_tasks"
)

// Run is an asynchronous allocation or scheduling request persisted by the store
// and executed by the worker.
type Run struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Priority       string          `json:"priority"`
	Tenant         string          `json:"tenant"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastError      *string         `json:"last_error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the run will not be picked up again.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunCancelled, RunDeadLetter:
		return true
	}
	return false
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
