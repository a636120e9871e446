package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/models"
)

// ChainReader loads an organization's audit chain in order.
type ChainReader interface {
	Entries(ctx context.Context, orgID string) ([]models.AuditEntry, error)
}

// Receipt describes one export.
type Receipt struct {
	OrganizationID string             `json:"organization_id"`
	Location       string             `json:"location"`
	Entries        int                `json:"entries"`
	HeadHash       string             `json:"head_hash"`
	Verification   audit.VerifyResult `json:"verification"`
	ExportedAt     time.Time          `json:"exported_at"`
}

// Exporter serializes chains as JSON lines followed by a summary line.
type Exporter struct {
	chains    ChainReader
	uploaders Uploaders
	logger    *zap.Logger
	now       func() time.Time
}

func NewExporter(chains ChainReader, uploaders Uploaders, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{chains: chains, uploaders: uploaders, logger: logger, now: time.Now}
}

// Export writes the chain of orgID to destination ("local", "s3" or empty).
// A broken chain is exported as well; the summary carries the verification.
func (e *Exporter) Export(ctx context.Context, orgID, destination string) (Receipt, error) {
	up, err := e.uploaders.Pick(destination)
	if err != nil {
		return Receipt{}, err
	}
	entries, err := e.chains.Entries(ctx, orgID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load chain %s: %w", orgID, err)
	}
	ver := audit.VerifyEntries(entries)
	ver.OrganizationID = orgID

	now := e.now().UTC()
	rec := Receipt{OrganizationID: orgID, Entries: len(entries), Verification: ver, ExportedAt: now}
	if len(entries) > 0 {
		rec.HeadHash = entries[len(entries)-1].Hash
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return Receipt{}, fmt.Errorf("encode entry %s: %w", entry.ID, err)
		}
	}
	if err := enc.Encode(map[string]any{"summary": rec}); err != nil {
		return Receipt{}, fmt.Errorf("encode summary: %w", err)
	}

	key := fmt.Sprintf("audit/%s/%s.jsonl", orgID, now.Format("20060102T150405Z"))
	loc, err := up.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return Receipt{}, fmt.Errorf("upload export: %w", err)
	}
	rec.Location = loc
	e.logger.Info("audit chain exported",
		zap.String("organization_id", orgID),
		zap.String("location", loc),
		zap.Int("entries", rec.Entries),
		zap.Bool("valid", ver.Valid))
	return rec, nil
}
