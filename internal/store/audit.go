package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/models"
)

const auditColumns = `id, action, entity_type, entity_id, organization_id, user_id, data, previous_hash, hash, created_at`

// AppendLocked serializes appends per organization with a transaction-scoped
// advisory lock, so two writers can never link to the same head.
func (s *Store) AppendLocked(ctx context.Context, orgID string, build func(prevHash string, prevAt time.Time) (models.AuditEntry, error)) (models.AuditEntry, error) {
	var entry models.AuditEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit:"+orgID); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}
		var (
			prevHash string
			prevAt   time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT hash, created_at FROM financial_audit_log
			WHERE organization_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, orgID).Scan(&prevHash, &prevAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}
		e, err := build(prevHash, prevAt)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO financial_audit_log (`+auditColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.Action, e.EntityType, e.EntityID, e.OrganizationID, e.UserID, []byte(e.Data), e.PreviousHash, e.Hash, e.CreatedAt); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return models.AuditEntry{}, err
	}
	return entry, nil
}

// Entries returns the chain of orgID in link order.
func (s *Store) Entries(ctx context.Context, orgID string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM financial_audit_log
		WHERE organization_id = $1
		ORDER BY created_at ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var (
			e    models.AuditEntry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.OrganizationID, &e.UserID, &data, &e.PreviousHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Data = json.RawMessage(data)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Exists reports whether orgID's chain has an entry matching every non-empty
// field of q.
func (s *Store) Exists(ctx context.Context, q audit.Query) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM financial_audit_log
			WHERE organization_id = $1
			  AND ($2 = '' OR action = $2)
			  AND ($3 = '' OR entity_type = $3)
			  AND ($4 = '' OR entity_id = $4)
			  AND ($5 = '' OR user_id = $5)
		)
	`, q.OrganizationID, q.Action, q.EntityType, q.EntityID, q.UserID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("query audit entry: %w", err)
	}
	return found, nil
}
