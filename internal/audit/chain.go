// Package audit maintains the per-organization hash chain of financial audit
// entries and verifies its integrity.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/telemetry"
)

// Genesis is the previous hash of the first entry of every chain.
const Genesis = "GENESIS"

// Break reasons reported by Verify.
const (
	ReasonPreviousHash = "previous_hash mismatch"
	ReasonHash         = "hash mismatch"
)

var ErrMissingOrg = errors.New("audit: organization id is required")

// Event is what a caller records; the chain adds ids, hashes and time.
type Event struct {
	Action         string
	EntityType     string
	EntityID       string
	OrganizationID string
	UserID         string
	Data           any
}

// Store persists entries. AppendLocked must hold an exclusive per-organization
// lock while it reads the chain head, calls build and inserts the result.
type Store interface {
	AppendLocked(ctx context.Context, orgID string, build func(prevHash string, prevAt time.Time) (models.AuditEntry, error)) (models.AuditEntry, error)
	Entries(ctx context.Context, orgID string) ([]models.AuditEntry, error)
}

// Recorder is the write side used by handlers.
type Recorder interface {
	Append(ctx context.Context, ev Event) (models.AuditEntry, error)
}

// Query selects entries of one organization. Empty fields match anything.
type Query struct {
	OrganizationID string
	Action         string
	EntityType     string
	EntityID       string
	UserID         string
}

// Matches reports whether e satisfies every non-empty field of q.
func (q Query) Matches(e models.AuditEntry) bool {
	return e.OrganizationID == q.OrganizationID &&
		(q.Action == "" || e.Action == q.Action) &&
		(q.EntityType == "" || e.EntityType == q.EntityType) &&
		(q.EntityID == "" || e.EntityID == q.EntityID) &&
		(q.UserID == "" || e.UserID == q.UserID)
}

// Finder is implemented by stores that can answer a Query without loading
// the whole chain.
type Finder interface {
	Exists(ctx context.Context, q Query) (bool, error)
}

// Log is a Recorder that can also tell whether an event was already written.
// Handlers use it to emit domain events exactly once across retries.
type Log interface {
	Recorder
	Exists(ctx context.Context, q Query) (bool, error)
}

// Chain appends to and verifies audit chains.
type Chain struct {
	store   Store
	metrics telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewChain(store Store, metrics telemetry.Metrics, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// Append links a new entry to the organization's chain.
func (c *Chain) Append(ctx context.Context, ev Event) (models.AuditEntry, error) {
	if ev.OrganizationID == "" {
		return models.AuditEntry{}, ErrMissingOrg
	}
	data, err := canonicalData(ev.Data)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("encode audit data: %w", err)
	}
	entry, err := c.store.AppendLocked(ctx, ev.OrganizationID, func(prevHash string, prevAt time.Time) (models.AuditEntry, error) {
		if prevHash == "" {
			prevHash = Genesis
		}
		at := c.now().UTC().Truncate(time.Microsecond)
		if !prevAt.IsZero() && !at.After(prevAt) {
			at = prevAt.UTC().Add(time.Microsecond)
		}
		e := models.AuditEntry{
			ID:             uuid.NewString(),
			Action:         ev.Action,
			EntityType:     ev.EntityType,
			EntityID:       ev.EntityID,
			OrganizationID: ev.OrganizationID,
			UserID:         ev.UserID,
			Data:           data,
			PreviousHash:   prevHash,
			CreatedAt:      at,
		}
		h, err := ComputeHash(e)
		if err != nil {
			return models.AuditEntry{}, err
		}
		e.Hash = h
		return e, nil
	})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry %s: %w", ev.Action, err)
	}
	if c.metrics != nil {
		c.metrics.Increment(telemetry.AuditAppends)
	}
	return entry, nil
}

// Exists reports whether the organization's chain holds an entry matching q.
func (c *Chain) Exists(ctx context.Context, q Query) (bool, error) {
	if q.OrganizationID == "" {
		return false, ErrMissingOrg
	}
	if f, ok := c.store.(Finder); ok {
		return f.Exists(ctx, q)
	}
	entries, err := c.store.Entries(ctx, q.OrganizationID)
	if err != nil {
		return false, fmt.Errorf("load audit chain %s: %w", q.OrganizationID, err)
	}
	for _, e := range entries {
		if q.Matches(e) {
			return true, nil
		}
	}
	return false, nil
}

// VerifyResult reports the state of one chain.
type VerifyResult struct {
	OrganizationID string `json:"organization_id"`
	Valid          bool   `json:"valid"`
	Count          int    `json:"count"`
	BreakIndex     *int   `json:"break_index,omitempty"`
	BreakEntryID   string `json:"break_entry_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Verify replays the organization's chain. It never modifies stored entries.
func (c *Chain) Verify(ctx context.Context, orgID string) (VerifyResult, error) {
	entries, err := c.store.Entries(ctx, orgID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load audit chain %s: %w", orgID, err)
	}
	res := VerifyEntries(entries)
	res.OrganizationID = orgID
	if !res.Valid {
		c.logger.Warn("audit chain broken",
			zap.String("organization_id", orgID),
			zap.Int("index", *res.BreakIndex),
			zap.String("reason", res.Reason))
	}
	return res, nil
}

// VerifyEntries checks entries in chronological order and stops at the first
// break, reporting its zero-based index.
func VerifyEntries(entries []models.AuditEntry) VerifyResult {
	res := VerifyResult{Valid: true, Count: len(entries)}
	prev := Genesis
	for i, e := range entries {
		reason := ""
		if e.PreviousHash != prev {
			reason = ReasonPreviousHash
		} else if h, err := ComputeHash(e); err != nil || h != e.Hash {
			reason = ReasonHash
		}
		if reason != "" {
			idx := i
			res.Valid = false
			res.BreakIndex = &idx
			res.BreakEntryID = e.ID
			res.Reason = reason
			return res
		}
		prev = e.Hash
	}
	return res
}

// ComputeHash is the hex SHA-256 of the canonical JSON of the hashed fields.
func ComputeHash(e models.AuditEntry) (string, error) {
	data, err := canonicalData(e.Data)
	if err != nil {
		return "", fmt.Errorf("canonicalize data: %w", err)
	}
	payload := map[string]any{
		"action":          e.Action,
		"entity_type":     e.EntityType,
		"entity_id":       e.EntityID,
		"organization_id": e.OrganizationID,
		"user_id":         e.UserID,
		"data":            data,
		"previous_hash":   e.PreviousHash,
		"timestamp":       Timestamp(e.CreatedAt),
	}
	// encoding/json writes map keys sorted, which makes the encoding canonical.
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Timestamp formats t the way it enters the hash.
func Timestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// canonicalData re-encodes v with sorted keys and compact spacing. Numbers
// keep their textual form.
func canonicalData(v any) (json.RawMessage, error) {
	var raw []byte
	switch d := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}
