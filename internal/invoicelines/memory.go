package invoicelines

import (
	"context"
	"sync"

	"billing-pipeline/internal/models"
)

// AuditRow is one line audit record written by a run.
type AuditRow struct {
	RunID   string
	TraceID string
	LineID  string
	Action  string
}

// MemoryWriter is an in-process Writer with the same merge rules as the
// Postgres one.
type MemoryWriter struct {
	mu     sync.Mutex
	rows   map[Key]models.InvoiceLine
	audit  []AuditRow
	chunks []int
	bulk   int
	batch  int
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{rows: make(map[Key]models.InvoiceLine)}
}

func (m *MemoryWriter) UpsertBulk(_ context.Context, run Run, lines []models.InvoiceLine, chunkSize int) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulk++
	for start := 0; start < len(lines); start += chunkSize {
		end := start + chunkSize
		if end > len(lines) {
			end = len(lines)
		}
		m.chunks = append(m.chunks, end-start)
	}
	return m.merge(run, Dedupe(lines)), nil
}

func (m *MemoryWriter) UpsertBatch(_ context.Context, run Run, lines []models.InvoiceLine) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch++
	return m.merge(run, lines), nil
}

func (m *MemoryWriter) merge(run Run, lines []models.InvoiceLine) Counts {
	var c Counts
	for _, l := range lines {
		k := KeyOf(l)
		action := "insert"
		if existing, ok := m.rows[k]; ok {
			l = Merge(existing, l)
			action = "update"
		} else {
			c.Inserted++
		}
		m.rows[k] = l
		c.Affected++
		m.audit = append(m.audit, AuditRow{RunID: run.ID, TraceID: run.TraceID, LineID: l.ID, Action: action})
	}
	return c
}

// Lines returns a snapshot of the stored rows.
func (m *MemoryWriter) Lines() []models.InvoiceLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.InvoiceLine, 0, len(m.rows))
	for _, l := range m.rows {
		out = append(out, l)
	}
	return out
}

// AuditRows returns the audit rows written so far.
func (m *MemoryWriter) AuditRows() []AuditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditRow(nil), m.audit...)
}
