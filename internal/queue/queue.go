// Package queue defines the job store contracts used by the worker and the
// push notifiers that wake it when jobs are enqueued.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"billing-pipeline/internal/models"
)

var (
	// ErrNoJob means no job is claimable right now.
	ErrNoJob         = errors.New("queue: no claimable job")
	ErrJobNotFound   = errors.New("queue: job not found")
	ErrRunNotFound   = errors.New("queue: job run not found")
	ErrClaimFinished = errors.New("queue: claim already finished")
)

// Claim is one job held exclusively by this worker. The row lock lives until
// exactly one of Complete, Retry, Fail or Release is called; a crashed
// process releases it with its connection.
type Claim interface {
	Job() models.Job
	Complete(ctx context.Context, result json.RawMessage) error
	Retry(ctx context.Context, retryCount int, next time.Time, errMsg string) error
	Fail(ctx context.Context, retryCount int, errMsg string) error
	// Release gives the job back unchanged. It is a no-op after the claim
	// was finished.
	Release(ctx context.Context) error
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	OrgID   string
	Status  string
	JobType string
	Limit   int
}

// Store is the durable job table.
type Store interface {
	InsertJob(ctx context.Context, job models.Job) (models.Job, error)
	// ClaimOne locks the highest-priority claimable job, skipping rows locked
	// by other workers, and marks it processing. It returns ErrNoJob when
	// nothing is claimable.
	ClaimOne(ctx context.Context) (Claim, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error)
	CountClaimable(ctx context.Context) (int64, error)
}

// RunStore holds the idempotency lock rows in job_runs.
type RunStore interface {
	GetRun(ctx context.Context, jobID string) (models.JobRun, error)
	// StartRun creates the run or bumps its attempt counter, setting status
	// started and the current trace id.
	StartRun(ctx context.Context, jobID, jobType, traceID string) (models.JobRun, error)
	// FinishRun records the outcome. result is kept for completed runs so a
	// redelivery can report it.
	FinishRun(ctx context.Context, jobID, status string, lastErr *string, result json.RawMessage) error
}

// Notifier pushes job ids between enqueuers and workers.
type Notifier interface {
	// Listen subscribes once. An error means push is unavailable; the
	// returned channel receives job ids, or "" after a reconnect, and is
	// closed when ctx ends or Close is called.
	Listen(ctx context.Context) (<-chan string, error)
	// Notify is best effort.
	Notify(ctx context.Context, jobID string) error
	Close() error
}

// Backend names accepted by NOTIFY_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// NopNotifier never delivers; Listen fails so the worker polls.
type NopNotifier struct{}

var ErrPushDisabled = errors.New("queue: push notifications disabled")

func (NopNotifier) Listen(context.Context) (<-chan string, error) { return nil, ErrPushDisabled }
func (NopNotifier) Notify(context.Context, string) error          { return nil }
func (NopNotifier) Close() error                                  { return nil }

// send delivers without blocking; a full buffer already holds a wake-up.
func send(ch chan<- string, v string) {
	select {
	case ch <- v:
	default:
	}
}
