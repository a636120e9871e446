package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/archive"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/invoicelines"
	"billing-pipeline/internal/ledger"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
	"billing-pipeline/internal/sepa"
	"billing-pipeline/internal/telemetry"
)

// Job types handled by the billing worker.
const (
	JobPaymentAllocate    = "payment.allocate"
	JobLedgerSync         = "ledger.sync"
	JobInvoiceLinesUpsert = "invoice_lines.upsert"
	JobAuditExport        = "audit.export"
	JobSEPASubmit         = "sepa.submit"
)

type PaymentApplier interface {
	Apply(ctx context.Context, paymentID string) (allocation.Result, error)
}

type LedgerSyncer interface {
	Sync(ctx context.Context, req ledger.Request) (ledger.Report, error)
}

// AllocationReader loads a payment with the allocations already booked for it.
type AllocationReader interface {
	PaymentAllocations(ctx context.Context, paymentID string) (models.Payment, []models.PaymentAllocation, error)
}

type LineUpserter interface {
	Upsert(ctx context.Context, orgID, traceID string, lines []models.InvoiceLine) (invoicelines.Result, error)
}

type ChainExporter interface {
	Export(ctx context.Context, orgID, destination string) (archive.Receipt, error)
}

type BatchSubmitter interface {
	Submit(ctx context.Context, b sepa.Batch) (sepa.Outcome, error)
}

// Billing bundles the collaborators of the billing handlers. Handlers whose
// collaborators are nil are not registered.
type Billing struct {
	Applier     PaymentApplier
	Ledger      LedgerSyncer
	Allocations AllocationReader
	Lines       LineUpserter
	Exporter    ChainExporter
	SEPA        BatchSubmitter
	Audit       audit.Log
	Metrics     telemetry.Metrics
}

// RegisterBilling wires every available billing handler into p.
func RegisterBilling(p *Processor, b Billing) {
	h := &billingHandlers{Billing: b, tracer: p.tracer, validate: validator.New()}
	if b.Applier != nil && b.Ledger != nil {
		p.RegisterHandler(JobPaymentAllocate, h.allocatePayment)
	}
	if b.Allocations != nil && b.Ledger != nil {
		p.RegisterHandler(JobLedgerSync, h.syncLedger)
	}
	if b.Lines != nil {
		p.RegisterHandler(JobInvoiceLinesUpsert, h.upsertLines)
	}
	if b.Exporter != nil {
		p.RegisterHandler(JobAuditExport, h.exportAudit)
	}
	if b.SEPA != nil {
		p.RegisterHandler(JobSEPASubmit, h.submitSEPA)
	}
}

type billingHandlers struct {
	Billing
	tracer   telemetry.Tracer
	validate *validator.Validate
}

type paymentPayload struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

type linesPayload struct {
	Lines []models.InvoiceLine `json:"lines" validate:"required,min=1,dive"`
}

type exportPayload struct {
	OrganizationID string `json:"organization_id"`
	Destination    string `json:"destination" validate:"omitempty,oneof=local s3"`
}

// decode rejects malformed payloads permanently; retrying cannot fix them.
func (h *billingHandlers) decode(job models.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", job.JobType, err))
	}
	if err := h.validate.Struct(v); err != nil {
		return Permanent(fmt.Errorf("invalid %s payload: %w", job.JobType, err))
	}
	return nil
}

func (h *billingHandlers) record(ctx context.Context, job models.Job, span telemetry.Span, action, entityType, entityID string, data any) error {
	if h.Audit == nil {
		return nil
	}
	_, err := h.Audit.Append(ctx, audit.Event{
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		OrganizationID: job.OrgID,
		UserID:         "job:" + job.ID,
		Data:           map[string]any{"trace_id": span.TraceID(), "details": data},
	})
	return err
}

// recordOnce writes the event described by q unless the chain already holds a
// matching entry. Handlers use it when an earlier attempt may have committed
// the business write but not its audit entry.
func (h *billingHandlers) recordOnce(ctx context.Context, job models.Job, span telemetry.Span, q audit.Query, data any) error {
	if h.Audit == nil {
		return nil
	}
	q.OrganizationID = job.OrgID
	found, err := h.Audit.Exists(ctx, q)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return h.record(ctx, job, span, q.Action, q.EntityType, q.EntityID, data)
}

type allocateResult struct {
	PaymentID     string       `json:"payment_id"`
	Applied       money.Amount `json:"applied"`
	Unapplied     money.Amount `json:"unapplied"`
	Allocations   int          `json:"allocations"`
	Replayed      bool         `json:"replayed"`
	LedgerWritten int          `json:"ledger_written"`
	LedgerSkipped int          `json:"ledger_skipped"`
	InvoiceStatus []string     `json:"invoice_status,omitempty"`
}

func (h *billingHandlers) allocatePayment(ctx context.Context, job models.Job, span telemetry.Span) (any, error) {
	var p paymentPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	span.SetAttribute("payment.id", p.PaymentID)

	actx, aspan := h.tracer.StartSpan(ctx, "allocation.apply")
	res, err := h.Applier.Apply(actx, p.PaymentID)
	aspan.End()
	if errors.Is(err, allocation.ErrPaymentNotFound) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("allocate payment %s: %w", p.PaymentID, err)
	}
	if h.Metrics != nil && !res.Replayed {
		h.Metrics.Histogram(telemetry.AllocationAmount, res.Applied.Decimal().InexactFloat64())
	}

	lctx, lspan := h.tracer.StartSpan(ctx, "ledger.sync")
	rep, err := h.Ledger.Sync(lctx, ledger.RequestFromAllocation(res))
	lspan.End()
	if err != nil {
		return nil, fmt.Errorf("ledger sync for payment %s: %w", p.PaymentID, err)
	}

	out := allocateResult{
		PaymentID:     p.PaymentID,
		Applied:       res.Applied,
		Unapplied:     res.Unapplied,
		Allocations:   len(res.Allocations),
		Replayed:      res.Replayed,
		LedgerWritten: len(rep.Written),
		LedgerSkipped: rep.Skipped,
	}
	for _, inv := range res.Invoices {
		out.InvoiceStatus = append(out.InvoiceStatus, inv.ID+"="+inv.Status)
	}
	if res.Replayed {
		err = h.recordOnce(ctx, job, span, audit.Query{Action: "payment_allocated", EntityType: "payment", EntityID: p.PaymentID}, out)
	} else {
		err = h.record(ctx, job, span, "payment_allocated", "payment", p.PaymentID, out)
	}
	if err != nil {
		return nil, fmt.Errorf("audit allocation: %w", err)
	}
	return out, nil
}

func (h *billingHandlers) syncLedger(ctx context.Context, job models.Job, span telemetry.Span) (any, error) {
	var p paymentPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	pay, allocs, err := h.Allocations.PaymentAllocations(ctx, p.PaymentID)
	if errors.Is(err, allocation.ErrPaymentNotFound) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load allocations of %s: %w", p.PaymentID, err)
	}
	req := ledger.Request{Payment: pay}
	for _, a := range allocs {
		req.Applied = req.Applied.Add(a.AppliedAmount)
		req.InvoiceIDs = append(req.InvoiceIDs, a.InvoiceID)
	}
	req.Unapplied = pay.Amount.Sub(req.Applied).ClampZero()

	rep, err := h.Ledger.Sync(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ledger sync for payment %s: %w", p.PaymentID, err)
	}
	data := map[string]int{"written": len(rep.Written), "skipped": rep.Skipped}
	switch {
	case len(rep.Written) > 0:
		err = h.record(ctx, job, span, "ledger_synced", "payment", p.PaymentID, data)
	case Attempt(ctx) > 1 && rep.Skipped > 0:
		// An earlier attempt of this job may have written the entries and
		// then failed to audit them.
		err = h.recordOnce(ctx, job, span, audit.Query{Action: "ledger_synced", EntityType: "payment", EntityID: p.PaymentID, UserID: "job:" + job.ID}, data)
	}
	if err != nil {
		return nil, fmt.Errorf("audit ledger sync: %w", err)
	}
	return map[string]any{"payment_id": p.PaymentID, "written": len(rep.Written), "skipped": rep.Skipped}, nil
}

func (h *billingHandlers) upsertLines(ctx context.Context, job models.Job, span telemetry.Span) (any, error) {
	var p linesPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	span.SetAttribute("lines.total", len(p.Lines))
	res, err := h.Lines.Upsert(ctx, job.OrgID, span.TraceID(), p.Lines)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) || errors.Is(err, invoicelines.ErrEmptyBatch) || errors.Is(err, invoicelines.ErrBlankDescription) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttribute("lines.path", res.Path)
	if err := h.record(ctx, job, span, "invoice_lines_upserted", "invoice_line_run", res.RunID, res); err != nil {
		return nil, fmt.Errorf("audit upsert: %w", err)
	}
	return res, nil
}

func (h *billingHandlers) exportAudit(ctx context.Context, job models.Job, span telemetry.Span) (any, error) {
	var p exportPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	org := p.OrganizationID
	if org == "" {
		org = job.OrgID
	}
	if org != job.OrgID {
		return nil, Permanent(fmt.Errorf("export of organization %s requested by job of %s", org, job.OrgID))
	}
	rec, err := h.Exporter.Export(ctx, org, p.Destination)
	if err != nil {
		return nil, err
	}
	span.SetAttribute("audit.valid", rec.Verification.Valid)
	return rec, nil
}

func (h *billingHandlers) submitSEPA(ctx context.Context, job models.Job, span telemetry.Span) (any, error) {
	var b sepa.Batch
	if err := h.decode(job, &b); err != nil {
		return nil, err
	}
	span.SetAttribute("sepa.batch_id", b.BatchID)
	out, err := h.SEPA.Submit(ctx, b)
	if errors.Is(err, sepa.ErrRejected) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if err := h.record(ctx, job, span, "sepa_submitted", "sepa_batch", b.BatchID, out); err != nil {
		return nil, fmt.Errorf("audit submission: %w", err)
	}
	return out, nil
}
