package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/telemetry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	p       *Processor
	store   *queue.MemoryStore
	audit   *audit.MemoryStore
	chain   *audit.Chain
	metrics *telemetry.Recorder
	clock   *clock
}

func newHarness(t *testing.T, n queue.Notifier, opts Options) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := queue.NewMemoryStore()
	st.Now = clk.Now
	as := audit.NewMemoryStore()
	rec := telemetry.NewRecorder()
	chain := audit.NewChain(as, rec, nil)
	p := NewProcessor(Deps{
		Jobs:     st,
		Runs:     st,
		Notifier: n,
		Audit:    chain,
		Metrics:  rec,
	}, opts)
	p.now = clk.Now
	return &harness{p: p, store: st, audit: as, chain: chain, metrics: rec, clock: clk}
}

func (h *harness) enqueue(t *testing.T, jobType, payload string) models.Job {
	t.Helper()
	job, err := h.p.Enqueue(context.Background(), EnqueueRequest{OrgID: "org-1", JobType: jobType, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func TestRetryDelayIsQuadratic(t *testing.T) {
	base := 30 * time.Second
	want := []time.Duration{30 * time.Second, 2 * time.Minute, 270 * time.Second}
	for i, w := range want {
		if got := RetryDelay(base, i+1); got != w {
			t.Fatalf("retry %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	h := newHarness(t, nil, Options{DefaultMaxRetries: 4})
	job := h.enqueue(t, "noop", "")
	if job.Status != models.StatusPending || job.MaxRetries != 4 || string(job.Payload) != "{}" {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.ScheduledFor.Equal(h.clock.Now()) {
		t.Fatalf("expected job scheduled now, got %s", job.ScheduledFor)
	}
	if _, err := h.p.Enqueue(context.Background(), EnqueueRequest{OrgID: "org-1", JobType: "noop", Payload: json.RawMessage("{")}); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}
	if h.metrics.Count(telemetry.JobsEnqueued) != 1 {
		t.Fatalf("expected one enqueue counted")
	}
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing org", EnqueueRequest{JobType: "noop"}},
		{"missing type", EnqueueRequest{OrgID: "org-1"}},
		{"negative retries", EnqueueRequest{OrgID: "org-1", JobType: "noop", MaxRetries: -1}},
		{"bad payload", EnqueueRequest{OrgID: "org-1", JobType: "noop", Payload: json.RawMessage(`{"a":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.p.Enqueue(ctx, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if n, _ := h.store.CountClaimable(ctx); n != 0 {
		t.Fatalf("rejected requests must not be stored, found %d jobs", n)
	}
	if h.metrics.Count(telemetry.JobsEnqueued) != 0 {
		t.Fatalf("rejected requests must not be counted")
	}
}

func TestFailingHandlerRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil, Options{RetryBaseDelay: 30 * time.Second, DefaultMaxRetries: 3})
	calls := 0
	h.p.RegisterRaw("flaky", func(context.Context, models.Job) (json.RawMessage, error) {
		calls++
		return nil, errors.New("psp timeout")
	})
	job := h.enqueue(t, "flaky", `{}`)
	ctx := context.Background()

	if ok, err := h.p.ProcessNext(ctx); !ok || err != nil {
		t.Fatalf("process: ok=%v err=%v", ok, err)
	}
	got := h.job(t, job.ID)
	if got.Status != models.StatusRetrying || got.RetryCount != 1 {
		t.Fatalf("expected retrying/1, got %s/%d", got.Status, got.RetryCount)
	}
	if want := h.clock.Now().Add(30 * time.Second); !got.ScheduledFor.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, got.ScheduledFor)
	}
	if ok, _ := h.p.ProcessNext(ctx); ok {
		t.Fatalf("job must not be claimable before its backoff elapsed")
	}

	h.clock.Advance(30 * time.Second)
	h.p.ProcessNext(ctx)
	got = h.job(t, job.ID)
	if got.Status != models.StatusRetrying || got.RetryCount != 2 {
		t.Fatalf("expected retrying/2, got %s/%d", got.Status, got.RetryCount)
	}

	h.clock.Advance(2 * time.Minute)
	h.p.ProcessNext(ctx)
	got = h.job(t, job.ID)
	if got.Status != models.StatusFailed || got.RetryCount != 2 {
		t.Fatalf("expected failed/2, got %s/%d", got.Status, got.RetryCount)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "psp timeout") {
		t.Fatalf("expected error message on job, got %v", got.Error)
	}
	if calls != 3 || h.metrics.Count(telemetry.JobsRetried) != 2 || h.metrics.Count(telemetry.JobsFailed) != 1 {
		t.Fatalf("unexpected calls=%d retried=%d failed=%d", calls, h.metrics.Count(telemetry.JobsRetried), h.metrics.Count(telemetry.JobsFailed))
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	h := newHarness(t, nil, Options{})
	job := h.enqueue(t, "nobody.handles.this", `{}`)
	if _, err := h.p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := h.job(t, job.ID)
	if got.Status != models.StatusFailed || got.Error == nil || !strings.Contains(*got.Error, "no handler") {
		t.Fatalf("expected failed without handler, got %+v", got)
	}
}

func TestPermanentErrorFailsOnFirstAttempt(t *testing.T) {
	h := newHarness(t, nil, Options{DefaultMaxRetries: 5})
	h.p.RegisterRaw("bad", func(context.Context, models.Job) (json.RawMessage, error) {
		return nil, Permanent(errors.New("unknown payment"))
	})
	job := h.enqueue(t, "bad", `{}`)
	h.p.ProcessNext(context.Background())
	if got := h.job(t, job.ID); got.Status != models.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected failed/0, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestClaimReleasedWhenStoreFailsMidDispatch(t *testing.T) {
	h := newHarness(t, nil, Options{})
	job := h.enqueue(t, "x", `{}`)
	c, err := h.p.ClaimOne(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.p.ClaimOne(context.Background()); !errors.Is(err, queue.ErrNoJob) {
		t.Fatalf("claimed job must be invisible, got %v", err)
	}
	if err := h.p.Release(context.Background(), c); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := h.job(t, job.ID); got.Status != models.StatusPending {
		t.Fatalf("released job should be pending again, got %s", got.Status)
	}
}

func TestWrappedHandlerRunsOncePerJobID(t *testing.T) {
	h := newHarness(t, nil, Options{WorkerID: "w1"})
	calls := 0
	h.p.RegisterHandler("payment.allocate", func(_ context.Context, job models.Job, span telemetry.Span) (any, error) {
		calls++
		if span.TraceID() == "" {
			t.Fatalf("missing trace id")
		}
		return map[string]string{"ok": job.ID}, nil
	})
	job := h.enqueue(t, "payment.allocate", `{"payment_id":"p1"}`)
	ctx := context.Background()
	h.p.ProcessNext(ctx)
	if got := h.job(t, job.ID); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// Redelivery of the same job id, e.g. after a lost completion write.
	redelivered := job
	redelivered.Status = models.StatusPending
	if _, err := h.store.InsertJob(ctx, redelivered); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	h.p.ProcessNext(ctx)
	got := h.job(t, job.ID)
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	var skip struct {
		Skipped bool              `json:"skipped"`
		Reason  string            `json:"reason"`
		Result  map[string]string `json:"result"`
	}
	if err := json.Unmarshal(got.Result, &skip); err != nil {
		t.Fatalf("decode skipped result %s: %v", got.Result, err)
	}
	if got.Status != models.StatusCompleted || !skip.Skipped || skip.Reason != "already_completed" || skip.Result["ok"] != job.ID {
		t.Fatalf("expected skipped result carrying the first output, got %s %s", got.Status, got.Result)
	}
	if h.metrics.Count(telemetry.JobsSkipped) != 1 {
		t.Fatalf("expected a skip to be counted")
	}

	run, err := h.store.GetRun(ctx, job.ID)
	if err != nil || run.Status != models.RunCompleted || run.Attempts != 1 {
		t.Fatalf("unexpected run %+v err=%v", run, err)
	}

	entries, _ := h.audit.Entries(ctx, "org-1")
	if len(entries) != 2 || entries[0].Action != ActionJobStarted || entries[1].Action != ActionJobCompleted {
		t.Fatalf("unexpected audit trail %+v", entries)
	}
	if entries[0].UserID != "worker:w1" {
		t.Fatalf("unexpected actor %s", entries[0].UserID)
	}
	if v := audit.VerifyEntries(entries); !v.Valid {
		t.Fatalf("audit chain broken: %+v", v)
	}
}

func TestWrappedHandlerFailureIsAuditedAndRetried(t *testing.T) {
	h := newHarness(t, nil, Options{DefaultMaxRetries: 3})
	attempts := 0
	h.p.RegisterHandler("ledger.sync", func(context.Context, models.Job, telemetry.Span) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("deadlock detected")
		}
		return nil, nil
	})
	job := h.enqueue(t, "ledger.sync", `{}`)
	ctx := context.Background()
	h.p.ProcessNext(ctx)
	run, _ := h.store.GetRun(ctx, job.ID)
	if run.Status != models.RunFailed || run.LastError == nil {
		t.Fatalf("expected failed run, got %+v", run)
	}

	h.clock.Advance(time.Hour)
	h.p.ProcessNext(ctx)
	run, _ = h.store.GetRun(ctx, job.ID)
	if run.Status != models.RunCompleted || run.Attempts != 2 {
		t.Fatalf("expected completed run after retry, got %+v", run)
	}
	if got := h.job(t, job.ID); got.Status != models.StatusCompleted || string(got.Result) != "{}" {
		t.Fatalf("unexpected job %+v", got)
	}
	entries, _ := h.audit.Entries(ctx, "org-1")
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{ActionJobStarted, ActionJobFailed, ActionJobStarted, ActionJobCompleted}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

// lossyStore fails the first Complete of every claim it hands out while
// failures remain, like a connection dropped before the commit.
type lossyStore struct {
	*queue.MemoryStore
	failures int
}

func (s *lossyStore) ClaimOne(ctx context.Context) (queue.Claim, error) {
	c, err := s.MemoryStore.ClaimOne(ctx)
	if err != nil {
		return nil, err
	}
	return &lossyClaim{Claim: c, s: s}, nil
}

type lossyClaim struct {
	queue.Claim
	s *lossyStore
}

func (c *lossyClaim) Complete(ctx context.Context, result json.RawMessage) error {
	if c.s.failures > 0 {
		c.s.failures--
		return errors.New("connection reset by peer")
	}
	return c.Claim.Complete(ctx, result)
}

func TestLostCompletionKeepsHandlerResult(t *testing.T) {
	h := newHarness(t, nil, Options{})
	lossy := &lossyStore{MemoryStore: h.store, failures: 1}
	h.p.jobs = lossy
	calls := 0
	h.p.RegisterHandler("ledger.sync", func(context.Context, models.Job, telemetry.Span) (any, error) {
		calls++
		return map[string]int{"written": 3}, nil
	})
	job := h.enqueue(t, "ledger.sync", `{}`)
	ctx := context.Background()

	if _, err := h.p.ProcessNext(ctx); err == nil {
		t.Fatalf("expected the failed completion to be reported")
	}
	if got := h.job(t, job.ID); got.Status != models.StatusPending {
		t.Fatalf("job must go back to the queue, got %s", got.Status)
	}
	run, _ := h.store.GetRun(ctx, job.ID)
	if run.Status != models.RunCompleted || string(run.Result) != `{"written":3}` {
		t.Fatalf("run must hold the handler result, got %+v", run)
	}

	if ok, err := h.p.ProcessNext(ctx); !ok || err != nil {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	got := h.job(t, job.ID)
	want := `{"skipped":true,"reason":"already_completed","result":{"written":3}}`
	if got.Status != models.StatusCompleted || string(got.Result) != want {
		t.Fatalf("expected %s, got %s %s", want, got.Status, got.Result)
	}
}

type chanNotifier struct {
	ch        chan string
	listenErr error
	notifyErr error
	mu        sync.Mutex
	closed    bool
}

func newChanNotifier() *chanNotifier { return &chanNotifier{ch: make(chan string, 16)} }

func (n *chanNotifier) Listen(context.Context) (<-chan string, error) {
	if n.listenErr != nil {
		return nil, n.listenErr
	}
	return n.ch, nil
}

func (n *chanNotifier) Notify(_ context.Context, id string) error {
	if n.notifyErr != nil {
		return n.notifyErr
	}
	n.ch <- id
	return nil
}

func (n *chanNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed && n.listenErr == nil {
		n.closed = true
		close(n.ch)
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestPushNotificationDrainsQueue(t *testing.T) {
	n := newChanNotifier()
	// A long poll interval proves the job arrives via push.
	h := newHarness(t, n, Options{PollIntervalPush: time.Hour})
	done := make(chan string, 4)
	h.p.RegisterRaw("echo", func(_ context.Context, j models.Job) (json.RawMessage, error) {
		done <- j.ID
		return nil, nil
	})
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.p.Stop()
	if err := h.p.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if h.p.Degraded() {
		t.Fatalf("processor should not be degraded")
	}

	job := h.enqueue(t, "echo", `{}`)
	select {
	case id := <-done:
		if id != job.ID {
			t.Fatalf("unexpected job %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not processed after notify")
	}
	waitFor(t, func() bool { return h.job(t, job.ID).Status == models.StatusCompleted })
}

func TestListenFailureFallsBackToPolling(t *testing.T) {
	n := newChanNotifier()
	n.listenErr = errors.New("connection refused")
	n.notifyErr = errors.New("connection refused")
	h := newHarness(t, n, Options{PollIntervalPush: time.Hour, PollIntervalPollOnly: 10 * time.Millisecond})
	h.p.RegisterRaw("echo", func(context.Context, models.Job) (json.RawMessage, error) { return nil, nil })

	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("start must not fail when push is down: %v", err)
	}
	defer h.p.Stop()
	if !h.p.Degraded() {
		t.Fatalf("expected degraded mode")
	}
	job := h.enqueue(t, "echo", `{}`)
	if h.metrics.Count(telemetry.NotifyFailures) != 1 {
		t.Fatalf("expected notify failure to be counted")
	}
	waitFor(t, func() bool { return h.job(t, job.ID).Status == models.StatusCompleted })
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, newChanNotifier(), Options{})
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.p.Stop()
	h.p.Stop()
}
