package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
)

// Balance statuses.
const (
	StatusComplete = "vollstaendig"
	StatusPartial  = "teilbezahlt"
	StatusOpen     = "offen"
	StatusOverpaid = "ueberzahlt"
)

// Dunning tiers reported with a balance.
const (
	MahnAktuell  = "aktuell"
	MahnReminder = "Zahlungserinnerung"
	MahnFirst    = "1. Mahnung"
	MahnSecond   = "2. Mahnung"
)

// DueDay is the day of the month rent falls due.
const DueDay = 5

var ErrTenancyNotFound = errors.New("allocation: tenancy not found")

// Period is a billing month, or a whole year when Month is zero.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month,omitempty"`
}

// Yearly reports whether p spans a whole year.
func (p Period) Yearly() bool { return p.Month == 0 }

// Bounds returns [from, to) in UTC.
func (p Period) Bounds() (time.Time, time.Time) {
	if p.Yearly() {
		from := time.Date(p.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(1, 0, 0)
	}
	from := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

func (p Period) String() string {
	if p.Yearly() {
		return fmt.Sprintf("%04d", p.Year)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Balance is the SOLL/IST view of one tenant for one period.
type Balance struct {
	TenantID     string       `json:"tenant_id"`
	Period       Period       `json:"period"`
	ActiveMonths int          `json:"active_months"`
	SollBK       money.Amount `json:"soll_bk"`
	SollHK       money.Amount `json:"soll_hk"`
	SollMiete    money.Amount `json:"soll_miete"`
	Soll         money.Amount `json:"soll"`
	Ist          money.Amount `json:"ist"`
	Split
	VortragBK     money.Amount `json:"vortrag_bk"`
	VortragHK     money.Amount `json:"vortrag_hk"`
	VortragMiete  money.Amount `json:"vortrag_miete"`
	VortragCredit money.Amount `json:"vortrag_credit"`
	Saldo         money.Amount `json:"saldo"`
	Status        string       `json:"status"`
	Mahnstatus    string       `json:"mahnstatus"`
	DaysOverdue   int          `json:"days_overdue"`
}

// ClassifyStatus maps a saldo (SOLL minus IST) and the paid amount to a status.
// A zero saldo is complete even without payment, since nothing is owed.
func ClassifyStatus(saldo, paid money.Amount) string {
	switch {
	case saldo.IsNegative():
		return StatusOverpaid
	case saldo.IsZero():
		return StatusComplete
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Mahnstatus classifies days overdue into a dunning tier.
func Mahnstatus(daysOverdue int) string {
	switch {
	case daysOverdue <= 0:
		return MahnAktuell
	case daysOverdue <= 14:
		return MahnReminder
	case daysOverdue <= 30:
		return MahnFirst
	default:
		return MahnSecond
	}
}

// DueDate is the 5th of the given month.
func DueDate(year int, month time.Month) time.Time {
	return time.Date(year, month, DueDay, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b, negative when b is before a.
func DaysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}

// activeMonths lists the months of p during which the lease was active.
func activeMonths(t models.Tenancy, p Period) []time.Month {
	first, last := time.Month(p.Month), time.Month(p.Month)
	if p.Yearly() {
		first, last = time.January, time.December
	}
	var out []time.Month
	for m := first; m <= last; m++ {
		from := time.Date(p.Year, m, 1, 0, 0, 0, 0, time.UTC)
		if t.ActiveIn(from, from.AddDate(0, 1, 0)) {
			out = append(out, m)
		}
	}
	return out
}

// ComputeBalance aggregates SOLL from the lease (k active months contribute
// k times the monthly SOLL) and IST from payments booked inside the period.
func ComputeBalance(t models.Tenancy, payments []models.Payment, p Period, asOf time.Time) Balance {
	months := activeMonths(t, p)
	k := int64(len(months))

	b := Balance{
		TenantID:     t.TenantID,
		Period:       p,
		ActiveMonths: len(months),
		SollBK:       t.Betriebskosten * money.Amount(k),
		SollHK:       t.Heizungskosten * money.Amount(k),
		SollMiete:    t.Grundmiete * money.Amount(k),
	}
	from, to := p.Bounds()
	for _, pay := range payments {
		if !pay.BookingDate.Before(from) && pay.BookingDate.Before(to) {
			b.Ist += pay.Amount
		}
	}
	b.finish(t, months, asOf)
	return b
}

func (b *Balance) finish(t models.Tenancy, months []time.Month, asOf time.Time) {
	b.Soll = b.SollBK + b.SollHK + b.SollMiete
	b.Split = Allocate(b.SollBK, b.SollHK, b.SollMiete, b.Ist)
	b.Saldo = b.Soll - b.Ist
	b.Status = ClassifyStatus(b.Saldo, b.Ist)
	b.DaysOverdue = 0
	if b.Saldo.IsPositive() {
		if due, ok := firstUncoveredDue(t, months, b.Period.Year, b.Ist); ok {
			if d := DaysBetween(due, asOf); d > 0 {
				b.DaysOverdue = d
			}
		}
	}
	b.Mahnstatus = Mahnstatus(b.DaysOverdue)
}

// firstUncoveredDue walks the active months in order, covering each month's
// SOLL with the paid amount, and returns the due date of the first month the
// payments did not cover.
func firstUncoveredDue(t models.Tenancy, months []time.Month, year int, ist money.Amount) (time.Time, bool) {
	monthly := t.Grundmiete + t.Betriebskosten + t.Heizungskosten
	remaining := ist
	for _, m := range months {
		if remaining >= monthly {
			remaining -= monthly
			continue
		}
		return DueDate(year, m), true
	}
	if len(months) == 0 {
		return time.Time{}, false
	}
	return DueDate(year, months[len(months)-1]), true
}

// Source provides the records a balance report reads.
type Source interface {
	Tenancy(ctx context.Context, tenantID string) (models.Tenancy, error)
	PaymentsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.Payment, error)
}

// Reporter computes balances from stored leases and payments.
type Reporter struct {
	src Source
}

func NewReporter(src Source) *Reporter {
	return &Reporter{src: src}
}

// Report computes the balance of tenantID for p as of asOf. January months
// carry the prior year's unpaid buckets forward.
func (r *Reporter) Report(ctx context.Context, tenantID string, p Period, asOf time.Time) (Balance, error) {
	t, err := r.src.Tenancy(ctx, tenantID)
	if err != nil {
		return Balance{}, fmt.Errorf("load tenancy %s: %w", tenantID, err)
	}
	from, to := p.Bounds()
	payments, err := r.src.PaymentsBetween(ctx, tenantID, from, to)
	if err != nil {
		return Balance{}, fmt.Errorf("load payments: %w", err)
	}
	b := ComputeBalance(t, payments, p, asOf)
	if p.Yearly() || p.Month != int(time.January) {
		return b, nil
	}

	prior := Period{Year: p.Year - 1}
	pFrom, pTo := prior.Bounds()
	priorPayments, err := r.src.PaymentsBetween(ctx, tenantID, pFrom, pTo)
	if err != nil {
		return Balance{}, fmt.Errorf("load prior-year payments: %w", err)
	}
	cf := CarryForwardFrom(ComputeBalance(t, priorPayments, prior, asOf))
	return ApplyCarryForward(b, t, cf, asOf), nil
}
