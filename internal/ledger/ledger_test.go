package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billing-pipeline/internal/config"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
	"billing-pipeline/internal/telemetry"
)

type memLedger struct {
	mu       sync.Mutex
	entries  []models.LedgerEntry
	invoices []models.Invoice
	failType string
}

type memLedgerTx struct {
	m       *memLedger
	pending []models.LedgerEntry
}

func (m *memLedger) InLedgerTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memLedgerTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	m.entries = append(m.entries, tx.pending...)
	return nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (t *memLedgerTx) EntryExists(_ context.Context, typ string, inv, pay *string) (bool, error) {
	for _, list := range [][]models.LedgerEntry{t.m.entries, t.pending} {
		for _, e := range list {
			if e.Type == typ && sameRef(e.InvoiceID, inv) && sameRef(e.PaymentID, pay) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memLedgerTx) InsertEntry(_ context.Context, e models.LedgerEntry) error {
	if e.Type == t.m.failType {
		return errors.New("insert failed")
	}
	t.pending = append(t.pending, e)
	return nil
}

func (t *memLedgerTx) OpenInvoices(_ context.Context, tenantID string) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range t.m.invoices {
		if inv.TenantID == tenantID && inv.IsOpen() {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *memLedgerTx) InvoicesByID(_ context.Context, ids []string) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, id := range ids {
		for _, inv := range t.m.invoices {
			if inv.ID == id {
				out = append(out, inv)
			}
		}
	}
	return out, nil
}

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func countType(entries []models.LedgerEntry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestCalculateInterestMonotonic(t *testing.T) {
	p := money.MustParse("1000")
	if !CalculateInterest(p, 0, DefaultAnnualRate).IsZero() || !CalculateInterest(p, -5, DefaultAnnualRate).IsZero() {
		t.Fatalf("interest must be zero for non-positive days")
	}
	prev := decimal.Zero
	for days := 1; days <= 800; days++ {
		got := CalculateInterest(p, days, DefaultAnnualRate)
		if !got.GreaterThan(prev) {
			t.Fatalf("interest not increasing at day %d: %s <= %s", days, got, prev)
		}
		prev = got
	}
	if got := DefaultPolicy().InterestAmount(money.MustParse("365"), 10); got != money.MustParse("0.40") {
		t.Fatalf("365 EUR for 10 days at 4%%: got %s", got)
	}
}

func TestFeeTierBoundaries(t *testing.T) {
	due := date(2024, time.October, 5)
	eval := date(2024, time.November, 15)
	days := int(eval.Sub(due).Hours() / 24)
	if days != 41 || FeeTier(days) != 2 {
		t.Fatalf("41 days should be tier 2, got days=%d tier=%d", days, FeeTier(days))
	}
	cases := map[int]int{0: 0, 13: 0, 14: 1, 29: 1, 30: 2, 44: 2, 45: 3, 120: 3}
	for d, want := range cases {
		if got := FeeTier(d); got != want {
			t.Fatalf("days %d: tier %d want %d", d, got, want)
		}
	}
	fees := DefaultPolicy().Fees
	if fees.Fee(1) != 0 || fees.Fee(2) != money.MustParse("5") || fees.Fee(3) != money.MustParse("10") || fees.Fee(0) != 0 {
		t.Fatalf("unexpected fee table %+v", fees)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Config{InterestRateAnnual: "0.058", DunningFeeTier1: "1.50", DunningFeeTier2: "7", DunningFeeTier3: "12.5"}
	p, err := PolicyFromConfig(cfg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if !p.AnnualRate.Equal(decimal.RequireFromString("0.058")) || p.Fees.Tier1 != money.MustParse("1.5") || p.Fees.Tier3 != money.MustParse("12.50") {
		t.Fatalf("unexpected policy %+v", p)
	}
	cfg.InterestRateAnnual = "abc"
	if _, err := PolicyFromConfig(cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func overdueFixture() (*memLedger, Request) {
	m := &memLedger{invoices: []models.Invoice{
		{ID: "inv-oct", OrgID: "org-1", TenantID: "t-1", Year: 2024, Month: 10, Gesamtbetrag: money.MustParse("800"), PaidAmount: money.MustParse("100"), Status: models.InvoicePartial, DueDate: date(2024, time.October, 5)},
		{ID: "inv-nov", OrgID: "org-1", TenantID: "t-1", Year: 2024, Month: 11, Gesamtbetrag: money.MustParse("800"), Status: models.InvoiceOpen, DueDate: date(2024, time.November, 5)},
		{ID: "inv-sep", OrgID: "org-1", TenantID: "t-1", Year: 2024, Month: 9, Gesamtbetrag: money.MustParse("800"), PaidAmount: money.MustParse("800"), Status: models.InvoicePaid, DueDate: date(2024, time.September, 5)},
	}}
	req := Request{
		Payment:    models.Payment{ID: "pay-1", OrgID: "org-1", TenantID: "t-1", Amount: money.MustParse("300"), BookingDate: date(2024, time.November, 15)},
		Applied:    money.MustParse("300"),
		InvoiceIDs: []string{"inv-sep", "inv-oct"},
	}
	return m, req
}

func TestSyncWritesEntriesOnce(t *testing.T) {
	m, req := overdueFixture()
	rec := telemetry.NewRecorder()
	s := NewSyncer(m, DefaultPolicy(), rec, nil)

	first, err := s.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if countType(m.entries, models.EntryPayment) != 1 || countType(m.entries, models.EntryCharge) != 3 {
		t.Fatalf("unexpected entries %+v", m.entries)
	}
	// October: 700 outstanding, 41 days -> interest 3.15 and a tier 2 fee.
	// November: 10 days overdue -> interest only, tier 0.
	if countType(m.entries, models.EntryInterest) != 2 || countType(m.entries, models.EntryFee) != 1 {
		t.Fatalf("unexpected interest/fee entries %+v", m.entries)
	}
	for _, e := range m.entries {
		if e.Type == models.EntryInterest && *e.InvoiceID == "inv-oct" && e.Amount != money.MustParse("3.15") {
			t.Fatalf("october interest %s", e.Amount)
		}
		if e.Type == models.EntryFee && e.Amount != money.MustParse("5") {
			t.Fatalf("fee %s", e.Amount)
		}
	}
	if countType(m.entries, models.EntryCredit) != 0 {
		t.Fatalf("no credit expected without unapplied amount")
	}

	second, err := s.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(second.Written) != 0 || second.Skipped != len(first.Written) {
		t.Fatalf("second sync wrote %d, skipped %d", len(second.Written), second.Skipped)
	}
	if len(m.entries) != len(first.Written) {
		t.Fatalf("entry set changed on replay")
	}
	if rec.Count(telemetry.LedgerEntries) != len(first.Written) {
		t.Fatalf("metrics counted %d entries", rec.Count(telemetry.LedgerEntries))
	}
}

func TestSyncCreditForUnapplied(t *testing.T) {
	m := &memLedger{invoices: []models.Invoice{
		{ID: "inv-1", TenantID: "t-1", Gesamtbetrag: money.MustParse("500"), PaidAmount: money.MustParse("500"), Status: models.InvoicePaid, DueDate: date(2024, time.March, 5)},
	}}
	req := Request{
		Payment:    models.Payment{ID: "pay-1", TenantID: "t-1", Amount: money.MustParse("700"), BookingDate: date(2024, time.March, 3)},
		Applied:    money.MustParse("500"),
		Unapplied:  money.MustParse("200"),
		InvoiceIDs: []string{"inv-1"},
	}
	if _, err := NewSyncer(m, DefaultPolicy(), nil, nil).Sync(context.Background(), req); err != nil {
		t.Fatalf("sync: %v", err)
	}
	var credit models.LedgerEntry
	for _, e := range m.entries {
		if e.Type == models.EntryCredit {
			credit = e
		}
	}
	if credit.Amount != money.MustParse("200") || credit.InvoiceID != nil || *credit.PaymentID != "pay-1" {
		t.Fatalf("unexpected credit %+v", credit)
	}
	if got := Balance(m.entries); got != money.MustParse("-200") {
		t.Fatalf("balance %s", got)
	}
}

func TestSyncRollsBackOnFailure(t *testing.T) {
	m, req := overdueFixture()
	m.failType = models.EntryFee
	if _, err := NewSyncer(m, DefaultPolicy(), nil, nil).Sync(context.Background(), req); err == nil {
		t.Fatalf("expected error")
	}
	if len(m.entries) != 0 {
		t.Fatalf("partial ledger state: %+v", m.entries)
	}
}
