package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"billing-pipeline/internal/invoicelines"
	"billing-pipeline/internal/models"
)

// The conflict key is computed once, by invoicelines.NormalizeDescription,
// and written as is. normalize_line_description only fills it for rows
// written without one.
var stageColumns = []string{"ord", "id", "invoice_id", "unit_id", "line_type", "description", "normalized_description", "amount", "tax_rate", "meta", "created_at"}

// mergeLines folds the staged rows into invoice_lines and writes one audit
// row per affected line, all in one statement. Repeated keys in the stage
// collapse to their last occurrence.
const mergeLines = `
WITH src AS (
	SELECT DISTINCT ON (invoice_id, unit_id, line_type, normalized_description)
	       id, invoice_id, unit_id, line_type, description, normalized_description, amount, tax_rate, meta, created_at
	FROM invoice_lines_stage
	ORDER BY invoice_id, unit_id, line_type, normalized_description, ord DESC
), up AS (
	INSERT INTO invoice_lines AS il
	       (id, invoice_id, unit_id, line_type, description, normalized_description, amount, tax_rate, meta, created_at, updated_at)
	SELECT id, invoice_id, unit_id, line_type, description, normalized_description,
	       amount::numeric, NULLIF(tax_rate, '')::numeric, meta::jsonb, created_at, NOW()
	FROM src
	ON CONFLICT (invoice_id, unit_id, line_type, normalized_description) DO UPDATE
	SET amount     = EXCLUDED.amount,
	    tax_rate   = EXCLUDED.tax_rate,
	    meta       = il.meta || EXCLUDED.meta,
	    created_at = LEAST(il.created_at, EXCLUDED.created_at),
	    updated_at = NOW()
	RETURNING il.id, (xmax = 0) AS inserted
), audit AS (
	INSERT INTO invoice_line_audit (run_id, trace_id, org_id, line_id, action)
	SELECT $1, $2, $3, id, CASE WHEN inserted THEN 'insert' ELSE 'update' END
	FROM up
)
SELECT COUNT(*), COUNT(*) FILTER (WHERE inserted) FROM up`

// UpsertBulk stages lines in a temp table dropped at commit, loads it with
// COPY in chunks and merges it with mergeLines.
func (s *Store) UpsertBulk(ctx context.Context, run invoicelines.Run, lines []models.InvoiceLine, chunkSize int) (invoicelines.Counts, error) {
	if chunkSize <= 0 {
		chunkSize = invoicelines.DefaultChunkSize
	}
	var counts invoicelines.Counts
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE invoice_lines_stage (
				ord                    INT,
				id                     TEXT,
				invoice_id             TEXT,
				unit_id                TEXT,
				line_type              TEXT,
				description            TEXT,
				normalized_description TEXT,
				amount                 TEXT,
				tax_rate               TEXT,
				meta                   TEXT,
				created_at             TIMESTAMPTZ
			) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create stage table: %w", err)
		}
		for start := 0; start < len(lines); start += chunkSize {
			end := start + chunkSize
			if end > len(lines) {
				end = len(lines)
			}
			rows := make([][]any, 0, end-start)
			for i := start; i < end; i++ {
				row, err := stageRow(i, lines[i])
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"invoice_lines_stage"}, stageColumns, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("copy chunk at %d: %w", start, err)
			}
		}
		if err := tx.QueryRow(ctx, mergeLines, run.ID, run.TraceID, run.OrgID).Scan(&counts.Affected, &counts.Inserted); err != nil {
			return fmt.Errorf("merge staged lines: %w", err)
		}
		return nil
	})
	if err != nil {
		return invoicelines.Counts{}, err
	}
	return counts, nil
}

const upsertLine = `
WITH up AS (
	INSERT INTO invoice_lines AS il
	       (id, invoice_id, unit_id, line_type, description, normalized_description, amount, tax_rate, meta, created_at, updated_at)
	VALUES ($4, $5, $6, $7, $8, $9, $10::text::numeric, NULLIF($11::text, '')::numeric, $12::text::jsonb, $13, NOW())
	ON CONFLICT (invoice_id, unit_id, line_type, normalized_description) DO UPDATE
	SET amount     = EXCLUDED.amount,
	    tax_rate   = EXCLUDED.tax_rate,
	    meta       = il.meta || EXCLUDED.meta,
	    created_at = LEAST(il.created_at, EXCLUDED.created_at),
	    updated_at = NOW()
	RETURNING il.id, (xmax = 0) AS inserted
), audit AS (
	INSERT INTO invoice_line_audit (run_id, trace_id, org_id, line_id, action)
	SELECT $1, $2, $3, id, CASE WHEN inserted THEN 'insert' ELSE 'update' END
	FROM up
)
SELECT inserted FROM up`

// UpsertBatch sends one upsert per line in a single pgx.Batch inside one
// transaction. The caller has already collapsed repeated keys.
func (s *Store) UpsertBatch(ctx context.Context, run invoicelines.Run, lines []models.InvoiceLine) (invoicelines.Counts, error) {
	var counts invoicelines.Counts
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, l := range lines {
			row, err := stageRow(i, l)
			if err != nil {
				return err
			}
			// row[1:] is id, invoice_id, unit_id, line_type, description,
			// normalized_description, amount, tax_rate, meta, created_at.
			args := append([]any{run.ID, run.TraceID, run.OrgID}, row[1:]...)
			batch.Queue(upsertLine, args...)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range lines {
			var inserted bool
			if err := br.QueryRow().Scan(&inserted); err != nil {
				br.Close()
				return fmt.Errorf("upsert line %d: %w", i, err)
			}
			counts.Affected++
			if inserted {
				counts.Inserted++
			}
		}
		return br.Close()
	})
	if err != nil {
		return invoicelines.Counts{}, err
	}
	return counts, nil
}

func stageRow(ord int, l models.InvoiceLine) ([]any, error) {
	meta, err := json.Marshal(l.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta of line %d: %w", ord, err)
	}
	if l.Meta == nil {
		meta = []byte("{}")
	}
	key := l.NormalizedDescription
	if key == "" {
		key = invoicelines.NormalizeDescription(l.Description)
	}
	return []any{ord, l.ID, l.InvoiceID, l.UnitID, l.LineType, l.Description, key, l.Amount.String(), l.TaxRate, string(meta), l.CreatedAt}, nil
}
