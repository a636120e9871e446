package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
)

const runColumns = `job_id, job_type, status, attempts, last_error, result, trace_id, created_at, updated_at`

func (s *Store) GetRun(ctx context.Context, jobID string) (models.JobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, queue.ErrRunNotFound
	}
	return run, err
}

// StartRun creates the lock row on the first attempt and bumps attempts on
// every later one.
func (s *Store) StartRun(ctx context.Context, jobID, jobType, traceID string) (models.JobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		INSERT INTO job_runs (job_id, job_type, status, attempts, trace_id)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = job_runs.attempts + 1,
		    trace_id = EXCLUDED.trace_id,
		    updated_at = NOW()
		RETURNING `+runColumns,
		jobID, jobType, models.RunStarted, traceID))
	if err != nil {
		return models.JobRun{}, fmt.Errorf("start run %s: %w", jobID, err)
	}
	return run, nil
}

// FinishRun stores the outcome. A nil result clears the previous one.
func (s *Store) FinishRun(ctx context.Context, jobID, status string, lastErr *string, result json.RawMessage) error {
	var res []byte
	if len(result) > 0 {
		res = result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET status = $2, last_error = $3, result = $4, updated_at = NOW() WHERE job_id = $1
	`, jobID, status, lastErr, res)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrRunNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (models.JobRun, error) {
	var (
		run     models.JobRun
		lastErr pgtype.Text
		result  []byte
	)
	if err := row.Scan(&run.JobID, &run.JobType, &run.Status, &run.Attempts, &lastErr, &result, &run.TraceID, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return models.JobRun{}, err
	}
	run.LastError = textPtr(lastErr)
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	return run, nil
}
