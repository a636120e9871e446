package telemetry

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the minimal sink used by the pipeline.
type Metrics interface {
	Increment(counter string)
	Histogram(name string, value float64)
}

// Counter names emitted by the pipeline.
const (
	JobsEnqueued     = "jobs_enqueued"
	JobsCompleted    = "jobs_completed"
	JobsRetried      = "jobs_retried"
	JobsFailed       = "jobs_failed"
	JobsSkipped      = "jobs_skipped"
	NotifyFailures   = "notify_failures"
	LedgerEntries    = "ledger_entries_written"
	AuditAppends     = "audit_appends"
	BulkUpsertRuns   = "bulk_upsert_runs"
	HandlerDuration  = "handler_duration_seconds"
	BulkUpsertLines  = "bulk_upsert_lines"
	AllocationAmount = "allocation_applied_eur"
)

// histogramBuckets gives every known histogram a range fitting its unit.
// Names not listed here land in billing_observations with DefBuckets.
var histogramBuckets = map[string][]float64{
	HandlerDuration:  prometheus.DefBuckets,
	BulkUpsertLines:  prometheus.ExponentialBuckets(1, 4, 10),
	AllocationAmount: prometheus.ExponentialBuckets(10, 2, 14),
}

// PromMetrics maps named counters onto a labelled Prometheus vector and named
// histograms onto one histogram each.
type PromMetrics struct {
	registry   *prometheus.Registry
	counters   *prometheus.CounterVec
	histograms map[string]prometheus.Histogram
	other      *prometheus.HistogramVec

	QueueDepth prometheus.Gauge
	InFlight   prometheus.Gauge
}

// NewPromMetrics registers the pipeline collectors on a fresh registry.
func NewPromMetrics() *PromMetrics {
	m := &PromMetrics{
		registry: prometheus.NewRegistry(),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "Billing pipeline events by name",
		}, []string{"name"}),
		histograms: make(map[string]prometheus.Histogram, len(histogramBuckets)),
		other: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_observations",
			Help:    "Billing pipeline observations without a dedicated histogram",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{Name: "billing_jobs_claimable", Help: "Claimable jobs seen by the last sweep"}),
		InFlight:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "billing_jobs_inflight", Help: "Jobs currently claimed by this process"}),
	}
	m.registry.MustRegister(m.counters, m.other, m.QueueDepth, m.InFlight)
	for name, buckets := range histogramBuckets {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_" + name,
			Help:    "Billing pipeline " + strings.ReplaceAll(name, "_", " "),
			Buckets: buckets,
		})
		m.registry.MustRegister(h)
		m.histograms[name] = h
	}
	return m
}

func (m *PromMetrics) Increment(counter string) {
	m.counters.WithLabelValues(counter).Inc()
}

func (m *PromMetrics) Histogram(name string, value float64) {
	if h, ok := m.histograms[name]; ok {
		h.Observe(value)
		return
	}
	m.other.WithLabelValues(name).Observe(value)
}

// Handler exposes the registry over HTTP.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for tests and extra collectors.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }

// Recorder is an in-memory Metrics used by tests and dry runs.
type Recorder struct {
	mu           sync.Mutex
	counts       map[string]int
	observations map[string][]float64
}

func NewRecorder() *Recorder {
	return &Recorder{counts: map[string]int{}, observations: map[string][]float64{}}
}

func (r *Recorder) Increment(counter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[counter]++
}

func (r *Recorder) Histogram(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observations[name] = append(r.observations[name], value)
}

// Count returns how often counter was incremented.
func (r *Recorder) Count(counter string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[counter]
}

// Observations returns a copy of the values recorded for name.
func (r *Recorder) Observations(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.observations[name]...)
}
