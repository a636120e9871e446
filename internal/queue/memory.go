package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"billing-pipeline/internal/models"
)

// MemoryStore is an in-process Store and RunStore. A claimed job stays
// invisible to other claimers until its claim finishes, which mirrors
// SELECT ... FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	locked  map[string]bool
	runs    map[string]models.JobRun
	Now     func() time.Time
	ClaimFn func() error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]models.Job),
		locked: make(map[string]bool),
		runs:   make(map[string]models.JobRun),
		Now:    time.Now,
	}
}

func (m *MemoryStore) InsertJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) ClaimOne(_ context.Context) (Claim, error) {
	if m.ClaimFn != nil {
		if err := m.ClaimFn(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var candidates []models.Job
	for _, j := range m.jobs {
		if !m.locked[j.ID] && j.Claimable(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoJob
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	job := candidates[0]
	prev := job
	job.Status = models.StatusProcessing
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	m.locked[job.ID] = true
	return &memClaim{m: m, job: job, prev: prev}, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return j, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if (f.OrgID == "" || j.OrgID == f.OrgID) && (f.Status == "" || j.Status == f.Status) && (f.JobType == "" || j.JobType == f.JobType) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountClaimable(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.Now()
	for _, j := range m.jobs {
		if j.Claimable(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetRun(_ context.Context, jobID string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[jobID]
	if !ok {
		return models.JobRun{}, ErrRunNotFound
	}
	return r, nil
}

func (m *MemoryStore) StartRun(_ context.Context, jobID, jobType, traceID string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now().UTC()
	r, ok := m.runs[jobID]
	if !ok {
		r = models.JobRun{JobID: jobID, JobType: jobType, CreatedAt: now}
	}
	r.Status = models.RunStarted
	r.Attempts++
	r.TraceID = traceID
	r.UpdatedAt = now
	m.runs[jobID] = r
	return r, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, jobID, status string, lastErr *string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[jobID]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = status
	r.LastError = lastErr
	r.Result = result
	r.UpdatedAt = m.Now().UTC()
	m.runs[jobID] = r
	return nil
}

type memClaim struct {
	m        *MemoryStore
	job      models.Job
	prev     models.Job
	finished bool
}

func (c *memClaim) Job() models.Job { return c.job }

func (c *memClaim) finish(update func(j *models.Job)) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.finished {
		return ErrClaimFinished
	}
	c.finished = true
	j := c.m.jobs[c.job.ID]
	update(&j)
	j.UpdatedAt = c.m.Now().UTC()
	c.m.jobs[j.ID] = j
	delete(c.m.locked, j.ID)
	return nil
}

func (c *memClaim) Complete(_ context.Context, result json.RawMessage) error {
	return c.finish(func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Result = result
		j.Error = nil
	})
}

func (c *memClaim) Retry(_ context.Context, retryCount int, next time.Time, errMsg string) error {
	return c.finish(func(j *models.Job) {
		j.Status = models.StatusRetrying
		j.RetryCount = retryCount
		j.ScheduledFor = next
		j.Error = &errMsg
	})
}

func (c *memClaim) Fail(_ context.Context, retryCount int, errMsg string) error {
	return c.finish(func(j *models.Job) {
		j.Status = models.StatusFailed
		j.RetryCount = retryCount
		j.Error = &errMsg
	})
}

func (c *memClaim) Release(_ context.Context) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.finished {
		return nil
	}
	c.finished = true
	c.m.jobs[c.job.ID] = c.prev
	delete(c.m.locked, c.job.ID)
	return nil
}
