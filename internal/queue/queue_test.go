package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"billing-pipeline/internal/models"
)

func newTestNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisNotifierWithClient(client, "billing_jobs", nil), mr
}

func TestRedisNotifierDeliversJobIDs(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := n.Listen(ctx); err == nil {
		t.Fatalf("second listener should be rejected")
	}
	if err := n.Notify(ctx, "job-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case id := <-ch:
		if id != "job-1" {
			t.Fatalf("expected job-1, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not delivered")
	}

	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("channel should be closed after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestRedisNotifierListenFailsWhenServerDown(t *testing.T) {
	n, mr := newTestNotifier(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := n.Listen(ctx); err == nil {
		t.Fatalf("expected listen error with redis down")
	}
}

func TestNopNotifierDisablesPush(t *testing.T) {
	var n NopNotifier
	if _, err := n.Listen(context.Background()); !errors.Is(err, ErrPushDisabled) {
		t.Fatalf("expected ErrPushDisabled, got %v", err)
	}
	if err := n.Notify(context.Background(), "x"); err != nil {
		t.Fatalf("notify should be a no-op: %v", err)
	}
}

func TestMemoryStoreClaimOrderAndExclusivity(t *testing.T) {
	st := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	st.Now = func() time.Time { return clock }
	ctx := context.Background()

	low, _ := st.InsertJob(ctx, models.Job{JobType: "a", Priority: 0})
	clock = clock.Add(time.Second)
	high, _ := st.InsertJob(ctx, models.Job{JobType: "a", Priority: 5})
	clock = clock.Add(time.Second)
	_, _ = st.InsertJob(ctx, models.Job{JobType: "a", ScheduledFor: clock.Add(time.Hour)})

	c1, err := st.ClaimOne(ctx)
	if err != nil || c1.Job().ID != high.ID {
		t.Fatalf("expected high priority job first, got %v %v", c1, err)
	}
	c2, err := st.ClaimOne(ctx)
	if err != nil || c2.Job().ID != low.ID {
		t.Fatalf("expected low priority job second: %v", err)
	}
	if _, err := st.ClaimOne(ctx); !errors.Is(err, ErrNoJob) {
		t.Fatalf("future job must not be claimable, got %v", err)
	}

	if err := c2.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if j, _ := st.GetJob(ctx, low.ID); j.Status != models.StatusPending {
		t.Fatalf("released job should be pending again, got %s", j.Status)
	}
	if err := c1.Complete(ctx, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := c1.Fail(ctx, 1, "late"); !errors.Is(err, ErrClaimFinished) {
		t.Fatalf("finishing twice must fail, got %v", err)
	}
	if err := c1.Release(ctx); err != nil {
		t.Fatalf("release after complete is a no-op: %v", err)
	}
}

func TestMemoryStoreConcurrentClaimsNeverShareAJob(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, _ = st.InsertJob(ctx, models.Job{JobType: "a"})
	}
	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := st.ClaimOne(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[c.Job().ID]++
				mu.Unlock()
				_ = c.Complete(ctx, nil)
			}
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct jobs, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestMemoryStoreRuns(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	if _, err := st.GetRun(ctx, "j1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	_, _ = st.StartRun(ctx, "j1", "a", "t1")
	r, _ := st.StartRun(ctx, "j1", "a", "t2")
	if r.Attempts != 2 || r.TraceID != "t2" || r.Status != models.RunStarted {
		t.Fatalf("unexpected run %+v", r)
	}
	if err := st.FinishRun(ctx, "j1", models.RunCompleted, nil, json.RawMessage(`{"written":2}`)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if r, _ := st.GetRun(ctx, "j1"); r.Status != models.RunCompleted || string(r.Result) != `{"written":2}` {
		t.Fatalf("run not completed with result: %+v", r)
	}
}
