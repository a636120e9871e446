// Package api serves the operator HTTP API: job enqueue and status, audit
// verification, tenant balances, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/worker"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req worker.EnqueueRequest) (models.Job, error)
}

type ChainVerifier interface {
	Verify(ctx context.Context, orgID string) (audit.VerifyResult, error)
}

type BalanceReporter interface {
	Report(ctx context.Context, tenantID string, p allocation.Period, asOf time.Time) (allocation.Balance, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API. Balances, Health and Metrics may be
// nil; the matching routes then answer 404 or report ok.
type Deps struct {
	Enqueuer Enqueuer
	Jobs     queue.Store
	Audit    ChainVerifier
	Balances BalanceReporter
	Health   Pinger
	Metrics  http.Handler
	Logger   *zap.Logger
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	d        Deps
	validate *validator.Validate
	now      func() time.Time
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{d: d, validate: validator.New(), now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.d.Metrics != nil {
		r.Mount("/metrics", s.d.Metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
	})
	r.With(contentTypeJSON).Get("/orgs/{org}/audit/verify", s.handleVerify)
	if s.d.Balances != nil {
		r.With(contentTypeJSON).Get("/tenants/{tenant}/balance", s.handleBalance)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.d.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	OrgID        string          `json:"org_id" validate:"required"`
	JobType      string          `json:"job_type" validate:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxRetries   int             `json:"max_retries" validate:"gte=0,lte=25"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	if req.DelaySeconds > 0 {
		at = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	job, err := s.d.Enqueuer.Enqueue(r.Context(), worker.EnqueueRequest{
		OrgID:        req.OrgID,
		JobType:      req.JobType,
		Payload:      req.Payload,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		ScheduledFor: at,
	})
	if errors.Is(err, worker.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.d.Logger.Error("enqueue failed", zap.String("job_type", req.JobType), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// jobStatus is the user-visible view of a job.
type jobStatus struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextAttempt *time.Time      `json:"next_attempt,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func statusOf(j models.Job) jobStatus {
	st := jobStatus{
		ID: j.ID, OrgID: j.OrgID, JobType: j.JobType, Status: j.Status, Priority: j.Priority,
		RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, Error: j.Error, Result: j.Result,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.Status == models.StatusPending || j.Status == models.StatusRetrying {
		next := j.ScheduledFor
		st.NextAttempt = &next
	}
	return st
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.d.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusOf(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.ListFilter{OrgID: q.Get("org_id"), Status: q.Get("status"), JobType: q.Get("job_type")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	jobs, err := s.d.Jobs.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, statusOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	res, err := s.d.Audit.Verify(r.Context(), org)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if !res.Valid {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	q := r.URL.Query()
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil || year < 1900 {
		writeError(w, http.StatusBadRequest, "year is required")
		return
	}
	p := allocation.Period{Year: year}
	if v := q.Get("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			writeError(w, http.StatusBadRequest, "invalid month")
			return
		}
		p.Month = m
	}
	asOf := s.now().UTC()
	if v := q.Get("as_of"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of")
			return
		}
		asOf = t
	}
	b, err := s.d.Balances.Report(r.Context(), tenant, p, asOf)
	if errors.Is(err, allocation.ErrTenancyNotFound) {
		writeError(w, http.StatusNotFound, "tenancy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
