package models

import (
	"encoding/json"
	"time"

	"billing-pipeline/internal/money"
)

// Invoice statuses owned by the billing layer.
const (
	InvoiceOpen      = "offen"
	InvoicePartial   = "teilbezahlt"
	InvoicePaid      = "bezahlt"
	InvoiceOverdue   = "ueberfaellig"
	InvoiceCancelled = "storniert"
)

// Invoice is the monthly SOLL for one tenant.
type Invoice struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	TenantID       string       `json:"tenant_id"`
	Year           int          `json:"year"`
	Month          int          `json:"month"`
	Grundmiete     money.Amount `json:"grundmiete"`
	Betriebskosten money.Amount `json:"betriebskosten"`
	Heizungskosten money.Amount `json:"heizungskosten"`
	Gesamtbetrag   money.Amount `json:"gesamtbetrag"`
	PaidAmount     money.Amount `json:"paid_amount"`
	Status         string       `json:"status"`
	DueDate        time.Time    `json:"due_date"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Outstanding is the unpaid part of the invoice, never negative.
func (i Invoice) Outstanding() money.Amount {
	return i.Gesamtbetrag.Sub(i.PaidAmount).ClampZero()
}

// IsOpen reports whether the invoice still accepts payments.
func (i Invoice) IsOpen() bool {
	switch i.Status {
	case InvoiceOpen, InvoicePartial, InvoiceOverdue:
		return true
	}
	return false
}

// Payment is an incoming tenant payment. It is immutable once allocated.
type Payment struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	TenantID    string       `json:"tenant_id"`
	InvoiceID   *string      `json:"invoice_id,omitempty"`
	Amount      money.Amount `json:"amount"`
	BookingDate time.Time    `json:"booking_date"`
}

// Allocation types.
const (
	AllocationDirect = "direct"
	AllocationFIFO   = "fifo"
)

// PaymentAllocation is one append-only (payment, invoice) application.
type PaymentAllocation struct {
	ID             string       `json:"id"`
	PaymentID      string       `json:"payment_id"`
	InvoiceID      string       `json:"invoice_id"`
	AppliedAmount  money.Amount `json:"applied_amount"`
	AppliedBK      money.Amount `json:"applied_bk"`
	AppliedHK      money.Amount `json:"applied_hk"`
	AppliedMiete   money.Amount `json:"applied_miete"`
	AllocationType string       `json:"allocation_type"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Ledger entry types.
const (
	EntryCharge   = "charge"
	EntryPayment  = "payment"
	EntryInterest = "interest"
	EntryFee      = "fee"
	EntryCredit   = "credit"
)

// LedgerEntry is an append-only posting. At most one entry of a type exists
// per (invoice_id, payment_id) pair.
type LedgerEntry struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	TenantID    string       `json:"tenant_id"`
	InvoiceID   *string      `json:"invoice_id,omitempty"`
	PaymentID   *string      `json:"payment_id,omitempty"`
	Type        string       `json:"type"`
	Amount      money.Amount `json:"amount"`
	BookingDate time.Time    `json:"booking_date"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AuditEntry is one link of the per-organization hash chain.
type AuditEntry struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id"`
	Data           json.RawMessage `json:"data"`
	PreviousHash   string          `json:"previous_hash"`
	Hash           string          `json:"hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InvoiceLine is one billable position of an invoice.
type InvoiceLine struct {
	ID                    string         `json:"id"`
	InvoiceID             string         `json:"invoice_id" validate:"required"`
	UnitID                string         `json:"unit_id" validate:"required"`
	LineType              string         `json:"line_type" validate:"required"`
	Description           string         `json:"description" validate:"required"`
	NormalizedDescription string         `json:"normalized_description,omitempty"`
	Amount                money.Amount   `json:"amount"`
	TaxRate               string         `json:"tax_rate" validate:"omitempty,numeric"`
	Meta                  map[string]any `json:"meta,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Tenancy holds the monthly SOLL components agreed in a lease.
type Tenancy struct {
	TenantID       string       `json:"tenant_id"`
	OrgID          string       `json:"org_id"`
	MoveIn         time.Time    `json:"move_in"`
	MoveOut        *time.Time   `json:"move_out,omitempty"`
	Grundmiete     money.Amount `json:"grundmiete"`
	Betriebskosten money.Amount `json:"betriebskosten"`
	Heizungskosten money.Amount `json:"heizungskosten"`
}

// ActiveIn reports whether the lease overlaps [from, to).
func (t Tenancy) ActiveIn(from, to time.Time) bool {
	if !t.MoveIn.Before(to) {
		return false
	}
	return t.MoveOut == nil || !t.MoveOut.Before(from)
}
