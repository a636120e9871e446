package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
)

const jobColumns = `id, org_id, job_type, payload, status, priority, retry_count, max_retries, error, result, scheduled_for, created_at, updated_at`

// InsertJob stores a new job and returns it with its timestamps.
func (s *Store) InsertJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, org_id, job_type, payload, status, priority, retry_count, max_retries, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING scheduled_for, created_at, updated_at
	`, job.ID, job.OrgID, job.JobType, []byte(job.Payload), job.Status, job.Priority, job.RetryCount, job.MaxRetries, nullTime(job.ScheduledFor)).
		Scan(&job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimOne locks the next claimable job with FOR UPDATE SKIP LOCKED and
// marks it processing. The transaction stays open until the claim is
// finished, so a crashed worker hands the job back on disconnect.
func (s *Store) ClaimOne(ctx context.Context) (queue.Claim, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('pending', 'retrying') AND scheduled_for <= NOW()
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	job, err := scanJob(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNoJob
		}
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`, job.ID, models.StatusProcessing); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("mark job processing: %w", err)
	}
	job.Status = models.StatusProcessing
	return &pgClaim{tx: tx, job: job}, nil
}

type pgClaim struct {
	tx       pgx.Tx
	job      models.Job
	finished bool
}

func (c *pgClaim) Job() models.Job { return c.job }

func (c *pgClaim) finish(ctx context.Context, sql string, args ...any) error {
	if c.finished {
		return queue.ErrClaimFinished
	}
	c.finished = true
	if _, err := c.tx.Exec(ctx, sql, args...); err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("update job %s: %w", c.job.ID, err)
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job %s: %w", c.job.ID, err)
	}
	return nil
}

func (c *pgClaim) Complete(ctx context.Context, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return c.finish(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = NULL, updated_at = NOW() WHERE id = $1
	`, c.job.ID, models.StatusCompleted, []byte(result))
}

func (c *pgClaim) Retry(ctx context.Context, retryCount int, next time.Time, errMsg string) error {
	return c.finish(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, scheduled_for = $4, error = $5, updated_at = NOW() WHERE id = $1
	`, c.job.ID, models.StatusRetrying, retryCount, next, errMsg)
}

func (c *pgClaim) Fail(ctx context.Context, retryCount int, errMsg string) error {
	return c.finish(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, error = $4, updated_at = NOW() WHERE id = $1
	`, c.job.ID, models.StatusFailed, retryCount, errMsg)
}

func (c *pgClaim) Release(ctx context.Context) error {
	if c.finished {
		return nil
	}
	c.finished = true
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("release job %s: %w", c.job.ID, err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	return job, err
}

// ListJobs returns the newest jobs matching f.
func (s *Store) ListJobs(ctx context.Context, f queue.ListFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("org_id", f.OrgID)
	add("status", f.Status)
	add("job_type", f.JobType)

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountClaimable returns the number of jobs ready to run.
func (s *Store) CountClaimable(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'retrying') AND scheduled_for <= NOW()
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimable jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job     models.Job
		payload []byte
		result  []byte
		errText pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.OrgID, &job.JobType, &payload, &job.Status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&errText, &result, &job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Payload = json.RawMessage(payload)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.Error = textPtr(errText)
	return job, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
