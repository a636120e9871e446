package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/telemetry"
	"billing-pipeline/internal/worker"
)

type leaseSource struct{}

func (leaseSource) Tenancy(_ context.Context, id string) (models.Tenancy, error) {
	if id != "t1" {
		return models.Tenancy{}, allocation.ErrTenancyNotFound
	}
	return models.Tenancy{
		TenantID: "t1", MoveIn: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Grundmiete: money.MustParse("500"), Betriebskosten: money.MustParse("200"), Heizungskosten: money.MustParse("100"),
	}, nil
}

func (leaseSource) PaymentsBetween(_ context.Context, _ string, from, to time.Time) ([]models.Payment, error) {
	d := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	if d.Before(from) || !d.Before(to) {
		return nil, nil
	}
	return []models.Payment{{ID: "p1", Amount: money.MustParse("800"), BookingDate: d}}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	srv    *httptest.Server
	jobs   *queue.MemoryStore
	chains *audit.MemoryStore
}

func newFixture(t *testing.T, health Pinger) *fixture {
	t.Helper()
	jobs := queue.NewMemoryStore()
	chains := audit.NewMemoryStore()
	proc := worker.NewProcessor(worker.Deps{Jobs: jobs, Runs: jobs}, worker.Options{DefaultMaxRetries: 3})
	s := New(Deps{
		Enqueuer: proc,
		Jobs:     jobs,
		Audit:    audit.NewChain(chains, nil, nil),
		Balances: allocation.NewReporter(leaseSource{}),
		Health:   health,
		Metrics:  telemetry.NewPromMetrics().Handler(),
	})
	s.now = func() time.Time { return time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC) }
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, jobs: jobs, chains: chains}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEnqueueAndGetJob(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"org_id": "org-1", "job_type": "payment.allocate", "payload": map[string]string{"payment_id": "p1"}, "priority": 2,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["status"] != models.StatusPending {
		t.Fatalf("unexpected enqueue response %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/jobs/"+id, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != models.StatusPending || body["next_attempt"] == nil {
		t.Fatalf("unexpected job status %d %v", resp.StatusCode, body)
	}
	if body["max_retries"].(float64) != 3 {
		t.Fatalf("expected default max_retries, got %v", body["max_retries"])
	}

	resp, body = f.do(t, http.MethodGet, "/jobs?org_id=org-1&limit=10", nil)
	if resp.StatusCode != http.StatusOK || len(body["jobs"].([]any)) != 1 {
		t.Fatalf("unexpected list %d %v", resp.StatusCode, body)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		body any
	}{
		{"missing org", map[string]any{"job_type": "x"}},
		{"missing type", map[string]any{"org_id": "o"}},
		{"negative retries", map[string]any{"org_id": "o", "job_type": "x", "max_retries": -1}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/jobs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	if resp, _ := f.do(t, http.MethodGet, "/jobs/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVerifyAuditChain(t *testing.T) {
	f := newFixture(t, nil)
	chain := audit.NewChain(f.chains, nil, nil)
	for i := 0; i < 3; i++ {
		chain.Append(context.Background(), audit.Event{Action: "a", EntityType: "e", EntityID: "1", OrganizationID: "org-1", Data: map[string]int{"i": i}})
	}
	resp, body := f.do(t, http.MethodGet, "/orgs/org-1/audit/verify", nil)
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("expected valid chain, got %d %v", resp.StatusCode, body)
	}

	f.chains.Mutate("org-1", 2, func(e *models.AuditEntry) { e.Action = "tampered" })
	resp, body = f.do(t, http.MethodGet, "/orgs/org-1/audit/verify", nil)
	if resp.StatusCode != http.StatusConflict || body["valid"] != false {
		t.Fatalf("expected broken chain, got %d %v", resp.StatusCode, body)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/tenants/t1/balance?year=2024&month=3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["status"] != allocation.StatusComplete || body["saldo"].(float64) != 0 {
		t.Fatalf("unexpected balance %v", body)
	}
	if resp, _ := f.do(t, http.MethodGet, "/tenants/t2/balance?year=2024", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/tenants/t1/balance?month=13&year=2024", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	if resp, body := f.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, body)
	}
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics endpoint: %v", err)
	}
	resp.Body.Close()

	down := newFixture(t, failingPinger{})
	if resp, _ := down.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when postgres is down, got %d", resp.StatusCode)
	}
}
