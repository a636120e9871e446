package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/ledger"
	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
)

const (
	invoiceColumns    = `id, org_id, tenant_id, year, month, grundmiete, betriebskosten, heizungskosten, gesamtbetrag, paid_amount, status, due_date, created_at`
	paymentColumns    = `id, org_id, tenant_id, invoice_id, amount, booking_date`
	allocationColumns = `id, payment_id, invoice_id, applied_amount, applied_bk, applied_hk, applied_miete, allocation_type, created_at`
	openStatuses      = `('offen', 'teilbezahlt', 'ueberfaellig')`
)

// InAllocationTx runs fn with row locks on payments and invoices held until
// the transaction ends.
func (s *Store) InAllocationTx(ctx context.Context, fn func(tx allocation.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&allocationTx{tx: tx})
	})
}

type allocationTx struct {
	tx pgx.Tx
}

func (a *allocationTx) LockPayment(ctx context.Context, paymentID string) (models.Payment, error) {
	p, err := scanPayment(a.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, fmt.Errorf("%w: %s", allocation.ErrPaymentNotFound, paymentID)
	}
	return p, err
}

func (a *allocationTx) AllocationsForPayment(ctx context.Context, paymentID string) ([]models.PaymentAllocation, error) {
	return queryAllocations(ctx, a.tx, paymentID)
}

// LockOpenInvoices locks the tenant's open invoices oldest first, which also
// serializes concurrent payments of the same tenant.
func (a *allocationTx) LockOpenInvoices(ctx context.Context, tenantID string) ([]models.Invoice, error) {
	return queryInvoices(ctx, a.tx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = $1 AND status IN `+openStatuses+`
		ORDER BY due_date, year, month
		FOR UPDATE`, tenantID)
}

func (a *allocationTx) InsertAllocation(ctx context.Context, al models.PaymentAllocation) error {
	_, err := a.tx.Exec(ctx, `
		INSERT INTO payment_allocations (`+allocationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, al.ID, al.PaymentID, al.InvoiceID, al.AppliedAmount.Decimal(), al.AppliedBK.Decimal(), al.AppliedHK.Decimal(),
		al.AppliedMiete.Decimal(), al.AllocationType, al.CreatedAt)
	return err
}

func (a *allocationTx) UpdateInvoicePayment(ctx context.Context, invoiceID string, paid money.Amount, status string) error {
	tag, err := a.tx.Exec(ctx, `UPDATE invoices SET paid_amount = $2, status = $3 WHERE id = $1`, invoiceID, paid.Decimal(), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
	}
	return nil
}

// PaymentAllocations loads a payment and its stored allocations.
func (s *Store) PaymentAllocations(ctx context.Context, paymentID string) (models.Payment, []models.PaymentAllocation, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, nil, fmt.Errorf("%w: %s", allocation.ErrPaymentNotFound, paymentID)
	}
	if err != nil {
		return models.Payment{}, nil, err
	}
	allocs, err := queryAllocations(ctx, s.pool, paymentID)
	if err != nil {
		return models.Payment{}, nil, err
	}
	return p, allocs, nil
}

// Tenancy returns the lease of tenantID.
func (s *Store) Tenancy(ctx context.Context, tenantID string) (models.Tenancy, error) {
	var (
		t       models.Tenancy
		moveOut pgtype.Date
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, org_id, move_in, move_out, grundmiete, betriebskosten, heizungskosten
		FROM tenancies WHERE tenant_id = $1
	`, tenantID).Scan(&t.TenantID, &t.OrgID, &t.MoveIn, &moveOut, amount(&t.Grundmiete), amount(&t.Betriebskosten), amount(&t.Heizungskosten))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenancy{}, fmt.Errorf("%w: %s", allocation.ErrTenancyNotFound, tenantID)
	}
	if err != nil {
		return models.Tenancy{}, fmt.Errorf("load tenancy: %w", err)
	}
	if moveOut.Valid {
		mo := moveOut.Time
		t.MoveOut = &mo
	}
	return t, nil
}

// PaymentsBetween returns payments booked in [from, to).
func (s *Store) PaymentsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = $1 AND booking_date >= $2 AND booking_date < $3
		ORDER BY booking_date, id
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()
	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InLedgerTx runs one ledger sync in a transaction.
func (s *Store) InLedgerTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

type ledgerTx struct {
	tx pgx.Tx
}

func (l *ledgerTx) EntryExists(ctx context.Context, entryType string, invoiceID, paymentID *string) (bool, error) {
	var ok bool
	err := l.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE type = $1 AND invoice_id IS NOT DISTINCT FROM $2 AND payment_id IS NOT DISTINCT FROM $3
		)`, entryType, invoiceID, paymentID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	return ok, nil
}

// InsertEntry also does nothing on a key conflict, which covers a concurrent
// sync that committed between the existence check and the insert.
func (l *ledgerTx) InsertEntry(ctx context.Context, e models.LedgerEntry) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, org_id, tenant_id, invoice_id, payment_id, type, amount, booking_date, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (type, COALESCE(invoice_id, ''), COALESCE(payment_id, '')) DO NOTHING
	`, e.ID, e.OrgID, e.TenantID, e.InvoiceID, e.PaymentID, e.Type, e.Amount.Decimal(), e.BookingDate, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.Type, err)
	}
	return nil
}

func (l *ledgerTx) OpenInvoices(ctx context.Context, tenantID string) ([]models.Invoice, error) {
	return queryInvoices(ctx, l.tx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = $1 AND status IN `+openStatuses+`
		ORDER BY due_date, year, month`, tenantID)
}

func (l *ledgerTx) InvoicesByID(ctx context.Context, ids []string) ([]models.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryInvoices(ctx, l.tx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE id = ANY($1) ORDER BY due_date, year, month`, ids)
}

// LedgerEntries returns a tenant's postings in booking order.
func (s *Store) LedgerEntries(ctx context.Context, tenantID string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, tenant_id, invoice_id, payment_id, type, amount, booking_date, description, created_at
		FROM ledger_entries WHERE tenant_id = $1 ORDER BY booking_date, created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e        models.LedgerEntry
			inv, pay pgtype.Text
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.TenantID, &inv, &pay, &e.Type, amount(&e.Amount), &e.BookingDate, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.InvoiceID, e.PaymentID = textPtr(inv), textPtr(pay)
		out = append(out, e)
	}
	return out, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryInvoices(ctx context.Context, q querier, sql string, args ...any) ([]models.Invoice, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()
	var out []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.OrgID, &inv.TenantID, &inv.Year, &inv.Month,
			amount(&inv.Grundmiete), amount(&inv.Betriebskosten), amount(&inv.Heizungskosten), amount(&inv.Gesamtbetrag), amount(&inv.PaidAmount),
			&inv.Status, &inv.DueDate, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func queryAllocations(ctx context.Context, q querier, paymentID string) ([]models.PaymentAllocation, error) {
	rows, err := q.Query(ctx, `SELECT `+allocationColumns+` FROM payment_allocations WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()
	var out []models.PaymentAllocation
	for rows.Next() {
		var a models.PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, amount(&a.AppliedAmount), amount(&a.AppliedBK), amount(&a.AppliedHK),
			amount(&a.AppliedMiete), &a.AllocationType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (models.Payment, error) {
	var (
		p   models.Payment
		inv pgtype.Text
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.TenantID, &inv, amount(&p.Amount), &p.BookingDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Payment{}, err
		}
		return models.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.InvoiceID = textPtr(inv)
	return p, nil
}
