package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
)

var (
	ErrPaymentNotFound = errors.New("allocation: payment not found")
	ErrOverAllocated   = errors.New("allocation: allocations exceed payment amount")
)

// Tx is the transactional view the applier needs. Implementations lock the
// payment and the tenant's open invoice rows until the transaction ends.
type Tx interface {
	LockPayment(ctx context.Context, paymentID string) (models.Payment, error)
	AllocationsForPayment(ctx context.Context, paymentID string) ([]models.PaymentAllocation, error)
	LockOpenInvoices(ctx context.Context, tenantID string) ([]models.Invoice, error)
	InsertAllocation(ctx context.Context, a models.PaymentAllocation) error
	UpdateInvoicePayment(ctx context.Context, invoiceID string, paid money.Amount, status string) error
}

// Store runs fn inside one database transaction.
type Store interface {
	InAllocationTx(ctx context.Context, fn func(tx Tx) error) error
}

// Result describes how a payment was applied.
type Result struct {
	Payment     models.Payment             `json:"payment"`
	Applied     money.Amount               `json:"applied"`
	Unapplied   money.Amount               `json:"unapplied"`
	Allocations []models.PaymentAllocation `json:"allocations"`
	Invoices    []models.Invoice           `json:"invoices"`
	Replayed    bool                       `json:"replayed"`
}

// Applier books payments against open invoices, oldest due date first.
type Applier struct {
	store Store
	now   func() time.Time
}

func NewApplier(store Store) *Applier {
	return &Applier{store: store, now: time.Now}
}

// Apply allocates the payment once. A payment that already has allocations is
// not allocated again; the stored allocations are returned instead.
func (a *Applier) Apply(ctx context.Context, paymentID string) (Result, error) {
	var res Result
	err := a.store.InAllocationTx(ctx, func(tx Tx) error {
		res = Result{}
		pay, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		res.Payment = pay

		existing, err := tx.AllocationsForPayment(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("load allocations: %w", err)
		}
		invoices, err := tx.LockOpenInvoices(ctx, pay.TenantID)
		if err != nil {
			return fmt.Errorf("lock open invoices: %w", err)
		}
		if len(existing) > 0 {
			res.Replayed = true
			res.Allocations = existing
			for _, al := range existing {
				res.Applied += al.AppliedAmount
			}
			if res.Applied > pay.Amount {
				return fmt.Errorf("%w: payment %s", ErrOverAllocated, pay.ID)
			}
			res.Unapplied = pay.Amount - res.Applied
			res.Invoices = invoices
			return nil
		}

		plan := PlanAllocations(pay, invoices)
		now := a.now().UTC()
		for i := range plan.Allocations {
			al := &plan.Allocations[i]
			al.ID = uuid.NewString()
			al.CreatedAt = now
			if err := tx.InsertAllocation(ctx, *al); err != nil {
				return fmt.Errorf("insert allocation for invoice %s: %w", al.InvoiceID, err)
			}
		}
		for _, inv := range plan.Touched {
			if err := tx.UpdateInvoicePayment(ctx, inv.ID, inv.PaidAmount, inv.Status); err != nil {
				return fmt.Errorf("update invoice %s: %w", inv.ID, err)
			}
		}
		res.Allocations = plan.Allocations
		res.Applied = plan.Applied
		res.Unapplied = pay.Amount - plan.Applied
		res.Invoices = plan.Invoices
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Plan is the pure outcome of applying one payment to a set of invoices.
type Plan struct {
	Allocations []models.PaymentAllocation
	Applied     money.Amount
	Touched     []models.Invoice
	Invoices    []models.Invoice
}

// PlanAllocations distributes the payment over the open invoices: the
// invoice named by the payment first, then FIFO by due date. Within an
// invoice the applied amount is split over BK, HK and Miete with Allocate.
func PlanAllocations(pay models.Payment, invoices []models.Invoice) Plan {
	ordered := make([]models.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.IsOpen() && inv.TenantID == pay.TenantID {
			ordered = append(ordered, inv)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DueDate.Equal(ordered[j].DueDate) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].DueDate.Before(ordered[j].DueDate)
	})
	if pay.InvoiceID != nil {
		for i, inv := range ordered {
			if inv.ID == *pay.InvoiceID {
				ordered = append([]models.Invoice{inv}, append(ordered[:i:i], ordered[i+1:]...)...)
				break
			}
		}
	}

	var plan Plan
	remaining := pay.Amount.ClampZero()
	for _, inv := range ordered {
		if remaining.IsZero() {
			plan.Invoices = append(plan.Invoices, inv)
			continue
		}
		applied := remaining.Min(inv.Outstanding())
		if !applied.IsPositive() {
			plan.Invoices = append(plan.Invoices, inv)
			continue
		}
		split := splitForInvoice(inv, applied)
		kind := models.AllocationFIFO
		if pay.InvoiceID != nil && *pay.InvoiceID == inv.ID {
			kind = models.AllocationDirect
		}
		plan.Allocations = append(plan.Allocations, models.PaymentAllocation{
			PaymentID:      pay.ID,
			InvoiceID:      inv.ID,
			AppliedAmount:  applied,
			AppliedBK:      split.IstBK,
			AppliedHK:      split.IstHK,
			AppliedMiete:   split.IstMiete + split.Ueberzahlung,
			AllocationType: kind,
		})
		remaining -= applied
		plan.Applied += applied

		inv.PaidAmount += applied
		inv.Status = InvoiceStatus(inv)
		plan.Touched = append(plan.Touched, inv)
		plan.Invoices = append(plan.Invoices, inv)
	}
	return plan
}

// splitForInvoice splits applied over what is still open per bucket, given
// that earlier payments were applied in the same waterfall order.
func splitForInvoice(inv models.Invoice, applied money.Amount) Split {
	covered := Allocate(inv.Betriebskosten, inv.Heizungskosten, inv.Grundmiete, inv.PaidAmount)
	return Allocate(
		inv.Betriebskosten-covered.IstBK,
		inv.Heizungskosten-covered.IstHK,
		inv.Grundmiete-covered.IstMiete,
		applied,
	)
}

// InvoiceStatus derives the payment status of an invoice from paid_amount.
func InvoiceStatus(inv models.Invoice) string {
	switch {
	case inv.Status == models.InvoiceCancelled:
		return inv.Status
	case inv.PaidAmount >= inv.Gesamtbetrag:
		return models.InvoicePaid
	case inv.PaidAmount.IsPositive():
		return models.InvoicePartial
	default:
		return inv.Status
	}
}
