package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
	"billing-pipeline/internal/telemetry"
)

// Tx is the transactional view used by Sync. Every call of one Sync runs on
// the same Tx; an error rolls all of them back.
type Tx interface {
	// EntryExists matches invoiceID and paymentID with NULL-safe equality.
	EntryExists(ctx context.Context, entryType string, invoiceID, paymentID *string) (bool, error)
	InsertEntry(ctx context.Context, e models.LedgerEntry) error
	OpenInvoices(ctx context.Context, tenantID string) ([]models.Invoice, error)
	InvoicesByID(ctx context.Context, ids []string) ([]models.Invoice, error)
}

// Store runs fn in one database transaction.
type Store interface {
	InLedgerTx(ctx context.Context, fn func(tx Tx) error) error
}

// Request is one payment whose allocation has been computed.
type Request struct {
	Payment   models.Payment
	Applied   money.Amount
	Unapplied money.Amount
	// InvoiceIDs are the invoices the payment was allocated to. They receive
	// a charge entry even when the allocation closed them.
	InvoiceIDs []string
}

// RequestFromAllocation builds a Request from an allocation result.
func RequestFromAllocation(res allocation.Result) Request {
	req := Request{Payment: res.Payment, Applied: res.Applied, Unapplied: res.Unapplied}
	for _, a := range res.Allocations {
		req.InvoiceIDs = append(req.InvoiceIDs, a.InvoiceID)
	}
	return req
}

// Report lists the entries written by one Sync call.
type Report struct {
	Written []models.LedgerEntry `json:"written"`
	Skipped int                  `json:"skipped"`
}

// Syncer writes ledger entries idempotently.
type Syncer struct {
	store   Store
	policy  Policy
	metrics telemetry.Metrics
	logger  *zap.Logger
}

func NewSyncer(store Store, policy Policy, metrics telemetry.Metrics, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{store: store, policy: policy, metrics: metrics, logger: logger}
}

// Sync posts the payment, charge, interest, fee and credit entries for req.
// Entries that already exist for their (type, invoice, payment) key are
// skipped, so calling Sync again for the same payment writes nothing new.
func (s *Syncer) Sync(ctx context.Context, req Request) (Report, error) {
	var rep Report
	err := s.store.InLedgerTx(ctx, func(tx Tx) error {
		rep = Report{}
		pay := req.Payment
		payID := pay.ID

		post := func(e models.LedgerEntry) error {
			exists, err := tx.EntryExists(ctx, e.Type, e.InvoiceID, e.PaymentID)
			if err != nil {
				return fmt.Errorf("check %s entry: %w", e.Type, err)
			}
			if exists {
				rep.Skipped++
				return nil
			}
			e.ID = uuid.NewString()
			e.OrgID = pay.OrgID
			e.TenantID = pay.TenantID
			if err := tx.InsertEntry(ctx, e); err != nil {
				return fmt.Errorf("insert %s entry: %w", e.Type, err)
			}
			rep.Written = append(rep.Written, e)
			return nil
		}

		if err := post(models.LedgerEntry{
			PaymentID:   &payID,
			Type:        models.EntryPayment,
			Amount:      pay.Amount,
			BookingDate: pay.BookingDate,
			Description: "Zahlungseingang",
		}); err != nil {
			return err
		}

		invoices, err := s.invoices(ctx, tx, pay.TenantID, req.InvoiceIDs)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			invID := inv.ID
			if err := post(models.LedgerEntry{
				InvoiceID:   &invID,
				Type:        models.EntryCharge,
				Amount:      inv.Gesamtbetrag,
				BookingDate: inv.DueDate,
				Description: fmt.Sprintf("Vorschreibung %04d-%02d", inv.Year, inv.Month),
			}); err != nil {
				return err
			}
		}

		for _, inv := range invoices {
			if !inv.IsOpen() {
				continue
			}
			outstanding := inv.Outstanding()
			days := allocation.DaysBetween(inv.DueDate, pay.BookingDate)
			if days <= 0 || !outstanding.IsPositive() {
				continue
			}
			invID := inv.ID
			if interest := s.policy.InterestAmount(outstanding, days); interest.IsPositive() {
				if err := post(models.LedgerEntry{
					InvoiceID:   &invID,
					PaymentID:   &payID,
					Type:        models.EntryInterest,
					Amount:      interest,
					BookingDate: pay.BookingDate,
					Description: fmt.Sprintf("Verzugszinsen %s%% p.a., %d Tage auf %s", s.policy.AnnualRate.Mul(hundred).String(), days, outstanding),
				}); err != nil {
					return err
				}
			}
			tier := FeeTier(days)
			if fee := s.policy.Fees.Fee(tier); fee.IsPositive() {
				if err := post(models.LedgerEntry{
					InvoiceID:   &invID,
					PaymentID:   &payID,
					Type:        models.EntryFee,
					Amount:      fee,
					BookingDate: pay.BookingDate,
					Description: fmt.Sprintf("Mahngebühr Stufe %d", tier),
				}); err != nil {
					return err
				}
			}
		}

		if req.Unapplied.IsPositive() {
			if err := post(models.LedgerEntry{
				PaymentID:   &payID,
				Type:        models.EntryCredit,
				Amount:      req.Unapplied,
				BookingDate: pay.BookingDate,
				Description: "Guthaben aus Überzahlung",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	if s.metrics != nil {
		for range rep.Written {
			s.metrics.Increment(telemetry.LedgerEntries)
		}
	}
	s.logger.Debug("ledger synced",
		zap.String("payment_id", req.Payment.ID),
		zap.Int("written", len(rep.Written)),
		zap.Int("skipped", rep.Skipped))
	return rep, nil
}

// invoices returns the tenant's open invoices plus the allocated ones, each
// once, ordered by due date.
func (s *Syncer) invoices(ctx context.Context, tx Tx, tenantID string, allocated []string) ([]models.Invoice, error) {
	open, err := tx.OpenInvoices(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load open invoices: %w", err)
	}
	seen := make(map[string]bool, len(open))
	out := make([]models.Invoice, 0, len(open)+len(allocated))
	for _, inv := range open {
		seen[inv.ID] = true
		out = append(out, inv)
	}
	var missing []string
	for _, id := range allocated {
		if !seen[id] {
			seen[id] = true
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		extra, err := tx.InvoicesByID(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("load allocated invoices: %w", err)
		}
		out = append(out, extra...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out, nil
}

// Balance is charges, interest and fees minus payments. Credits mirror the
// unapplied part of a payment that is already counted, so they do not move it.
func Balance(entries []models.LedgerEntry) money.Amount {
	var b money.Amount
	for _, e := range entries {
		switch e.Type {
		case models.EntryCharge, models.EntryInterest, models.EntryFee:
			b += e.Amount
		case models.EntryPayment:
			b -= e.Amount
		}
	}
	return b
}

// BookedBetween filters entries by booking date in [from, to).
func BookedBetween(entries []models.LedgerEntry, from, to time.Time) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range entries {
		if !e.BookingDate.Before(from) && e.BookingDate.Before(to) {
			out = append(out, e)
		}
	}
	return out
}
