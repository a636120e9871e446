package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/logging"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/telemetry"
)

// JobFunc is a business handler. span is the trace of this invocation;
// handlers may start child spans from ctx. The returned value is stored as
// the job result.
type JobFunc func(ctx context.Context, job models.Job, span telemetry.Span) (any, error)

// Audit actions written around every wrapped invocation.
const (
	ActionJobStarted   = "job_started"
	ActionJobCompleted = "job_completed"
	ActionJobFailed    = "job_failed"
)

// SkippedResult is stored when a job id already completed once and its run
// holds no result.
var SkippedResult = json.RawMessage(`{"skipped":true,"reason":"already_completed"}`)

type skipped struct {
	Skipped bool            `json:"skipped"`
	Reason  string          `json:"reason"`
	Result  json.RawMessage `json:"result"`
}

// skippedResult carries the result of the completed run into the redelivered
// job, so a lost Complete does not lose the handler output.
func skippedResult(stored json.RawMessage) json.RawMessage {
	if len(stored) == 0 {
		return SkippedResult
	}
	b, err := json.Marshal(skipped{Skipped: true, Reason: "already_completed", Result: stored})
	if err != nil {
		return SkippedResult
	}
	return b
}

type attemptKey struct{}

// Attempt is the run attempt of the invocation in ctx, 1 on first delivery
// and 0 outside a wrapped handler. It also counts reclaims after a lost lease,
// which job.RetryCount does not.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// RegisterHandler binds fn to jobType behind the idempotency lock in
// job_runs, audit events and a trace span.
func (p *Processor) RegisterHandler(jobType string, fn JobFunc) {
	if fn == nil {
		return
	}
	p.RegisterRaw(jobType, p.wrap(jobType, fn))
}

func (p *Processor) wrap(jobType string, fn JobFunc) Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		run, err := p.runs.GetRun(ctx, job.ID)
		switch {
		case err == nil && run.Status == models.RunCompleted:
			p.metrics.Increment(telemetry.JobsSkipped)
			p.logger.Info("job already completed, skipping",
				zap.String("job_id", job.ID), zap.String("job_type", jobType), zap.String("trace_id", run.TraceID))
			return skippedResult(run.Result), nil
		case err != nil && !errors.Is(err, queue.ErrRunNotFound):
			return nil, fmt.Errorf("load job run: %w", err)
		}

		ctx, span := p.tracer.StartSpan(ctx, "job "+jobType)
		defer span.End()
		traceID := span.TraceID()
		span.SetAttribute("job.id", job.ID)
		span.SetAttribute("job.type", jobType)
		span.SetAttribute("job.retry_count", job.RetryCount)

		ctx = logging.WithJob(ctx, traceID, job.ID, jobType)
		log := logging.For(ctx, p.logger)

		started, err := p.runs.StartRun(ctx, job.ID, jobType, traceID)
		if err != nil {
			return nil, fmt.Errorf("start job run: %w", err)
		}
		ctx = context.WithValue(ctx, attemptKey{}, started.Attempts)
		if err := p.auditJob(ctx, job, ActionJobStarted, traceID, nil); err != nil {
			return nil, fmt.Errorf("audit job start: %w", err)
		}

		start := time.Now()
		out, err := fn(ctx, job, span)
		p.metrics.Histogram(telemetry.HandlerDuration, time.Since(start).Seconds())

		if err != nil {
			msg := err.Error()
			span.SetAttribute("error", msg)
			if ferr := p.runs.FinishRun(ctx, job.ID, models.RunFailed, &msg, nil); ferr != nil {
				log.Warn("record job run failure", zap.Error(ferr))
			}
			if aerr := p.auditJob(ctx, job, ActionJobFailed, traceID, map[string]any{"error": msg}); aerr != nil {
				log.Warn("audit job failure", zap.Error(aerr))
			}
			log.Info("handler failed", zap.Error(err))
			return nil, err
		}

		result, err := encodeResult(out)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode result: %w", err))
		}
		if err := p.runs.FinishRun(ctx, job.ID, models.RunCompleted, nil, result); err != nil {
			return nil, fmt.Errorf("complete job run: %w", err)
		}
		if err := p.auditJob(ctx, job, ActionJobCompleted, traceID, nil); err != nil {
			log.Error("audit job completion", zap.Error(err))
		}
		log.Info("handler completed", zap.Duration("took", time.Since(start)))
		return result, nil
	}
}

func encodeResult(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (p *Processor) auditJob(ctx context.Context, job models.Job, action, traceID string, extra map[string]any) error {
	if p.audit == nil {
		return nil
	}
	data := map[string]any{
		"job_type":    job.JobType,
		"trace_id":    traceID,
		"retry_count": job.RetryCount,
	}
	for k, v := range extra {
		data[k] = v
	}
	_, err := p.audit.Append(ctx, audit.Event{
		Action:         action,
		EntityType:     "job",
		EntityID:       job.ID,
		OrganizationID: job.OrgID,
		UserID:         p.actor(),
		Data:           data,
	})
	return err
}

func (p *Processor) actor() string {
	if p.opts.WorkerID != "" {
		return "worker:" + p.opts.WorkerID
	}
	return "worker"
}
