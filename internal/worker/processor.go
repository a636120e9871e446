package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/config"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/telemetry"
)

var (
	ErrNoHandler      = errors.New("worker: no handler registered")
	ErrAlreadyRunning = errors.New("worker: processor already started")
	ErrInvalidRequest = errors.New("worker: invalid enqueue request")
)

// Handler runs a claimed job and returns the result stored on the job row.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Deps are the collaborators of a Processor. Audit, Tracer, Metrics, Logger
// and the gauges may be nil.
type Deps struct {
	Jobs     queue.Store
	Runs     queue.RunStore
	Notifier queue.Notifier
	Audit    audit.Recorder
	Tracer   telemetry.Tracer
	Metrics  telemetry.Metrics
	Logger   *zap.Logger

	QueueDepth prometheus.Gauge
	InFlight   prometheus.Gauge
}

// Options tune dispatch and retries.
type Options struct {
	WorkerID             string
	PollIntervalPush     time.Duration
	PollIntervalPollOnly time.Duration
	RetryBaseDelay       time.Duration
	DefaultMaxRetries    int
}

// OptionsFromConfig copies the queue settings from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:             cfg.WorkerID,
		PollIntervalPush:     cfg.PollIntervalPush,
		PollIntervalPollOnly: cfg.PollIntervalPollOnly,
		RetryBaseDelay:       cfg.RetryBaseDelay,
		DefaultMaxRetries:    cfg.DefaultMaxRetries,
	}
}

func (o Options) withDefaults() Options {
	if o.PollIntervalPush <= 0 {
		o.PollIntervalPush = 30 * time.Second
	}
	if o.PollIntervalPollOnly <= 0 {
		o.PollIntervalPollOnly = 5 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 30 * time.Second
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 3
	}
	return o
}

// Processor is the job queue service: enqueue, claim, dispatch and the
// hybrid push/poll drain loop.
type Processor struct {
	jobs     queue.Store
	runs     queue.RunStore
	notifier queue.Notifier
	audit    audit.Recorder
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics
	logger   *zap.Logger
	depth    prometheus.Gauge
	inFlight prometheus.Gauge
	opts     Options
	validate *validator.Validate

	mu       sync.RWMutex
	handlers map[string]Handler

	wake        chan struct{}
	running     atomic.Bool
	degraded    atomic.Bool
	degradeOnce sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	now func() time.Time
}

func NewProcessor(d Deps, opts Options) *Processor {
	p := &Processor{
		jobs:     d.Jobs,
		runs:     d.Runs,
		notifier: d.Notifier,
		audit:    d.Audit,
		tracer:   d.Tracer,
		metrics:  d.Metrics,
		logger:   d.Logger,
		depth:    d.QueueDepth,
		inFlight: d.InFlight,
		opts:     opts.withDefaults(),
		validate: validator.New(),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
	if p.notifier == nil {
		p.notifier = queue.NopNotifier{}
	}
	if p.tracer == nil {
		p.tracer = telemetry.NewOTelTracer(nil)
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewRecorder()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.opts.WorkerID != "" {
		p.logger = p.logger.With(zap.String("worker_id", p.opts.WorkerID))
	}
	return p
}

// RegisterRaw binds an unwrapped handler. Business handlers go through
// RegisterHandler instead.
func (p *Processor) RegisterRaw(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Processor) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// EnqueueRequest describes a new job. Zero values take the defaults:
// priority 0, DEFAULT_MAX_RETRIES and now.
type EnqueueRequest struct {
	OrgID        string          `json:"org_id" validate:"required"`
	JobType      string          `json:"job_type" validate:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxRetries   int             `json:"max_retries" validate:"gte=0"`
	ScheduledFor time.Time       `json:"scheduled_for"`
}

// Enqueue inserts a pending job and notifies listeners. A failed notify is
// logged and counted; polling picks the job up. Requests failing validation
// return an error wrapping ErrInvalidRequest and insert nothing.
func (p *Processor) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	if err := p.validate.Struct(req); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return models.Job{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.opts.DefaultMaxRetries
	}
	scheduled := req.ScheduledFor
	if scheduled.IsZero() {
		scheduled = p.now()
	}
	job, err := p.jobs.InsertJob(ctx, models.Job{
		OrgID:        req.OrgID,
		JobType:      req.JobType,
		Payload:      payload,
		Status:       models.StatusPending,
		Priority:     req.Priority,
		MaxRetries:   maxRetries,
		ScheduledFor: scheduled.UTC(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", req.JobType, err)
	}
	p.metrics.Increment(telemetry.JobsEnqueued)
	if err := p.notifier.Notify(ctx, job.ID); err != nil {
		p.metrics.Increment(telemetry.NotifyFailures)
		p.logger.Warn("job notify failed, polling will pick it up", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, nil
}

// ClaimOne claims the next job. It returns queue.ErrNoJob when idle.
func (p *Processor) ClaimOne(ctx context.Context) (queue.Claim, error) {
	c, err := p.jobs.ClaimOne(ctx)
	if err != nil {
		return nil, err
	}
	if p.inFlight != nil {
		p.inFlight.Inc()
	}
	return c, nil
}

// Release returns an unfinished claim to the queue.
func (p *Processor) Release(ctx context.Context, c queue.Claim) error {
	if p.inFlight != nil {
		p.inFlight.Dec()
	}
	return c.Release(ctx)
}

// Dispatch runs the handler for a claimed job and records the outcome on the
// claim. The returned error is a store failure, never a handler failure.
func (p *Processor) Dispatch(ctx context.Context, c queue.Claim) error {
	job := c.Job()
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType))

	h, ok := p.handler(job.JobType)
	if !ok {
		msg := fmt.Sprintf("%s: %q", ErrNoHandler, job.JobType)
		log.Error("no handler registered, failing job")
		p.metrics.Increment(telemetry.JobsFailed)
		return c.Fail(ctx, job.RetryCount, msg)
	}

	result, err := h(ctx, job)
	if err == nil {
		p.metrics.Increment(telemetry.JobsCompleted)
		return c.Complete(ctx, result)
	}

	msg := err.Error()
	next := job.RetryCount + 1
	if IsPermanent(err) || next >= job.MaxRetries {
		log.Error("job failed", zap.Int("retry_count", job.RetryCount), zap.Bool("permanent", IsPermanent(err)), zap.Error(err))
		p.metrics.Increment(telemetry.JobsFailed)
		return c.Fail(ctx, job.RetryCount, msg)
	}
	at := p.now().Add(RetryDelay(p.opts.RetryBaseDelay, next))
	log.Warn("job failed, retrying", zap.Int("retry_count", next), zap.Time("next_attempt", at), zap.Error(err))
	p.metrics.Increment(telemetry.JobsRetried)
	return c.Retry(ctx, next, at.UTC(), msg)
}

// RetryDelay is base × retryCount², so 30s, 2m, 4m30s with the default base.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	return base * time.Duration(retryCount*retryCount)
}

// ProcessNext claims and dispatches one job. It reports false when nothing
// was claimable.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	c, err := p.ClaimOne(ctx)
	if errors.Is(err, queue.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	defer func() {
		// No-op once Dispatch finished the claim; rolls back otherwise.
		_ = p.Release(context.Background(), c)
	}()
	if err := p.Dispatch(ctx, c); err != nil {
		return true, fmt.Errorf("record outcome of job %s: %w", c.Job().ID, err)
	}
	return true, nil
}

// Drain processes jobs until none is claimable or ctx ends.
func (p *Processor) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		ok, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Error("drain stopped", zap.Error(err))
			return n
		}
		if !ok {
			return n
		}
		n++
	}
	return n
}

// Wake schedules a drain. Wake-ups coalesce while one is pending.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Degraded reports whether push failed and the processor only polls.
func (p *Processor) Degraded() bool { return p.degraded.Load() }

// Start subscribes to push notifications and starts the sweep ticker and the
// drain loop. If the subscription fails the processor polls for the rest of
// its lifetime.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	interval := p.opts.PollIntervalPush
	notes, err := p.notifier.Listen(ctx)
	if err != nil {
		p.degrade(err)
		interval = p.opts.PollIntervalPollOnly
	}

	if notes != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for range notes {
				p.Wake()
			}
		}()
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(ctx)
				p.Wake()
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				p.Drain(ctx)
			}
		}
	}()

	p.logger.Info("processor started", zap.Bool("push", !p.Degraded()), zap.Duration("poll_interval", interval))
	p.Wake()
	return nil
}

func (p *Processor) degrade(err error) {
	p.degraded.Store(true)
	p.degradeOnce.Do(func() {
		p.logger.Warn("push notifications unavailable, falling back to polling", zap.Error(err))
	})
}

func (p *Processor) sweep(ctx context.Context) {
	if p.depth == nil {
		return
	}
	n, err := p.jobs.CountClaimable(ctx)
	if err != nil {
		p.logger.Debug("count claimable jobs", zap.Error(err))
		return
	}
	p.depth.Set(float64(n))
}

// Stop unsubscribes, stops the timers and waits for the current job.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	if err := p.notifier.Close(); err != nil {
		p.logger.Warn("close notifier", zap.Error(err))
	}
	p.wg.Wait()
	p.logger.Info("processor stopped")
}
