package invoicelines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/telemetry"
)

// Upsert paths.
const (
	PathBatch = "batch"
	PathBulk  = "bulk"
)

const (
	DefaultThreshold = 5000
	DefaultChunkSize = 5000
)

var (
	ErrEmptyBatch       = errors.New("invoicelines: empty batch")
	ErrBlankDescription = errors.New("invoicelines: description is blank after normalization")
)

// Run identifies one upsert invocation in the line audit table.
type Run struct {
	ID      string
	TraceID string
	OrgID   string
}

// Counts is what a Writer reports for one run.
type Counts struct {
	// Affected is the number of rows inserted or merged.
	Affected int
	// Inserted is the subset of Affected that did not exist before.
	Inserted int
}

// Writer persists normalized lines. Both methods merge on
// (invoice_id, unit_id, line_type, normalized_description): amount and
// tax_rate are replaced, meta is merged with new keys winning and created_at
// keeps the earliest value. Each affected line gets one audit row for run.
type Writer interface {
	// UpsertBulk stages lines in a transaction-scoped table, loads them in
	// chunks of chunkSize and merges them with one statement.
	UpsertBulk(ctx context.Context, run Run, lines []models.InvoiceLine, chunkSize int) (Counts, error)
	// UpsertBatch merges lines with one statement per line, sent as a batch.
	UpsertBatch(ctx context.Context, run Run, lines []models.InvoiceLine) (Counts, error)
}

// Result summarizes an upsert run.
type Result struct {
	RunID         string `json:"run_id"`
	TraceID       string `json:"trace_id"`
	Path          string `json:"path"`
	TotalLines    int    `json:"total_lines"`
	UpsertedCount int    `json:"upserted_count"`
	InsertedCount int    `json:"inserted_count"`
	ConflictCount int    `json:"conflict_count"`
}

// Upserter selects the write path by batch size.
type Upserter struct {
	writer    Writer
	threshold int
	chunkSize int
	validate  *validator.Validate
	metrics   telemetry.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewUpserter(w Writer, threshold, chunkSize int, metrics telemetry.Metrics, logger *zap.Logger) *Upserter {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Upserter{
		writer:    w,
		threshold: threshold,
		chunkSize: chunkSize,
		validate:  validator.New(),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Upsert validates and normalizes lines, then writes them on the batch path
// below the threshold and on the bulk path at or above it.
func (u *Upserter) Upsert(ctx context.Context, orgID, traceID string, lines []models.InvoiceLine) (Result, error) {
	if len(lines) == 0 {
		return Result{}, ErrEmptyBatch
	}
	now := u.now().UTC()
	prepared := make([]models.InvoiceLine, len(lines))
	for i, l := range lines {
		if err := u.validate.Struct(l); err != nil {
			return Result{}, fmt.Errorf("line %d: %w", i, err)
		}
		l.NormalizedDescription = NormalizeDescription(l.Description)
		if l.NormalizedDescription == "" {
			return Result{}, fmt.Errorf("line %d: %w", i, ErrBlankDescription)
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if l.Meta == nil {
			l.Meta = map[string]any{}
		}
		prepared[i] = l
	}

	// Repeated keys inside one batch collapse to their last occurrence.
	prepared = Dedupe(prepared)

	run := Run{ID: uuid.NewString(), TraceID: traceID, OrgID: orgID}
	res := Result{RunID: run.ID, TraceID: traceID, TotalLines: len(lines)}

	start := time.Now()
	var (
		counts Counts
		err    error
	)
	if len(lines) >= u.threshold {
		res.Path = PathBulk
		counts, err = u.writer.UpsertBulk(ctx, run, prepared, u.chunkSize)
	} else {
		res.Path = PathBatch
		counts, err = u.writer.UpsertBatch(ctx, run, prepared)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s upsert of %d lines: %w", res.Path, len(prepared), err)
	}

	res.UpsertedCount = counts.Affected
	res.InsertedCount = counts.Inserted
	res.ConflictCount = res.TotalLines - counts.Inserted

	if u.metrics != nil {
		u.metrics.Increment(telemetry.BulkUpsertRuns)
		u.metrics.Histogram(telemetry.BulkUpsertLines, float64(res.TotalLines))
	}
	u.logger.Info("invoice lines upserted",
		zap.String("run_id", run.ID),
		zap.String("path", res.Path),
		zap.Int("total", res.TotalLines),
		zap.Int("upserted", res.UpsertedCount),
		zap.Int("conflicts", res.ConflictCount),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// Key is the conflict key of a line.
type Key struct {
	InvoiceID             string
	UnitID                string
	LineType              string
	NormalizedDescription string
}

func KeyOf(l models.InvoiceLine) Key {
	return Key{l.InvoiceID, l.UnitID, l.LineType, l.NormalizedDescription}
}

// Dedupe keeps the last line per key, in first-seen key order. It mirrors the
// DISTINCT ON used by the bulk merge.
func Dedupe(lines []models.InvoiceLine) []models.InvoiceLine {
	idx := make(map[Key]int, len(lines))
	out := make([]models.InvoiceLine, 0, len(lines))
	for _, l := range lines {
		k := KeyOf(l)
		if i, ok := idx[k]; ok {
			out[i] = l
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	return out
}

// Merge applies the conflict rule to an existing row.
func Merge(existing, incoming models.InvoiceLine) models.InvoiceLine {
	merged := existing
	merged.Amount = incoming.Amount
	merged.TaxRate = incoming.TaxRate
	meta := make(map[string]any, len(existing.Meta)+len(incoming.Meta))
	for k, v := range existing.Meta {
		meta[k] = v
	}
	for k, v := range incoming.Meta {
		meta[k] = v
	}
	merged.Meta = meta
	if incoming.CreatedAt.Before(existing.CreatedAt) {
		merged.CreatedAt = incoming.CreatedAt
	}
	return merged
}
