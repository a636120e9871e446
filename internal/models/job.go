package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
)

// Job represents a unit of billing work persisted in the jobs table.
type Job struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Error        *string         `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Claimable reports whether the job may be picked up at now.
func (j Job) Claimable(now time.Time) bool {
	return (j.Status == StatusPending || j.Status == StatusRetrying) && !j.ScheduledFor.After(now)
}

// Job run statuses stored in job_runs.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// JobRun is the idempotency lock for one job id, independent of the
// jobs table status bookkeeping.
type JobRun struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	TraceID   string          `json:"trace_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
