package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"journalflow/internal/domain"
)

// GetInvoice returns the invoice attached to a manuscript, or ErrNotFound.
func (r Repo) GetInvoice(ctx context.Context, tx *sql.Tx, manuscriptID string) (domain.Invoice, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT manuscript_id,status,amount,currency,confirmed_by,confirmed_at,updated_at FROM invoices WHERE manuscript_id=?`, manuscriptID)
	var (
		inv    domain.Invoice
		status string
		amount string
		by, at sql.NullString
	)
	err := row.Scan(&inv.ManuscriptID, &status, &amount, &inv.Currency, &by, &at, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	inv.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return inv, fmt.Errorf("invoice %s: bad amount %q: %w", manuscriptID, amount, err)
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.ConfirmedBy = fromNull(by)
	inv.ConfirmedAt = fromNull(at)
	return inv, nil
}

// FindInvoice is GetInvoice that maps a missing row to nil.
func (r Repo) FindInvoice(ctx context.Context, tx *sql.Tx, manuscriptID string) (*domain.Invoice, error) {
	inv, err := r.GetInvoice(ctx, tx, manuscriptID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// UpsertInvoice replaces amount, currency and status of a manuscript's invoice.
func (r Repo) UpsertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO invoices(manuscript_id,status,amount,currency,confirmed_by,confirmed_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(manuscript_id) DO UPDATE SET status=excluded.status, amount=excluded.amount, currency=excluded.currency,
  confirmed_by=excluded.confirmed_by, confirmed_at=excluded.confirmed_at, updated_at=excluded.updated_at`,
		inv.ManuscriptID, string(inv.Status), inv.Amount.String(), inv.Currency, ptrValue(inv.ConfirmedBy), ptrValue(inv.ConfirmedAt), inv.UpdatedAt)
	return err
}

// MarkInvoicePaid flips an invoice to paid only while it still holds
// expected. It returns ErrConflict when the stored status moved on.
func (r Repo) MarkInvoicePaid(ctx context.Context, tx *sql.Tx, manuscriptID string, expected domain.InvoiceStatus, actorID, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE invoices SET status=?, confirmed_by=?, confirmed_at=?, updated_at=? WHERE manuscript_id=? AND status=?`,
		string(domain.InvoicePaid), actorID, at, at, manuscriptID, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
