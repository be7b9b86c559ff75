package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"journalflow/internal/domain"
	"journalflow/internal/events"
	"journalflow/internal/notify"
	"journalflow/internal/workflow"
)

// InvoiceRequest sets the article processing charge of a manuscript.
type InvoiceRequest struct {
	ManuscriptID string
	Amount       decimal.Decimal
	Currency     string
	// Waive marks the charge as waived instead of unpaid.
	Waive bool
}

// SetInvoice creates or replaces the invoice. A paid invoice is frozen.
func (e Engine) SetInvoice(ctx context.Context, actor workflow.RoleContext, req InvoiceRequest) (inv domain.Invoice, err error) {
	defer e.record(&err)
	if req.Amount.IsNegative() {
		return inv, workflow.Validation("amount must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return inv, workflow.Validation("currency must be a 3-letter code")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inv, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return inv, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionUpdateInvoiceInfo); err != nil {
		return inv, err
	}
	existing, err := e.Repo.FindInvoice(ctx, tx, m.ID)
	if err != nil {
		return inv, err
	}
	if existing != nil && existing.Status == domain.InvoicePaid {
		return inv, workflow.PreconditionFailed("invoice_paid", "invoice is already paid and can no longer change")
	}
	inv = domain.Invoice{
		ManuscriptID: m.ID,
		Status:       domain.InvoiceUnpaid,
		Amount:       req.Amount,
		Currency:     currency,
		UpdatedAt:    e.stamp(),
	}
	if req.Waive {
		inv.Status = domain.InvoiceWaived
	}
	if err := e.Repo.UpsertInvoice(ctx, tx, inv); err != nil {
		return inv, err
	}
	if err := e.appendEvent(ctx, tx, events.InvoiceUpdated, m, actor.ActorID, events.EventPayload{
		"amount": inv.Amount.String(), "currency": inv.Currency, "status": inv.Status,
	}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	e.afterCommit(ctx, m.ID)
	return inv, nil
}

// ConfirmPaymentRequest marks an invoice paid. ExpectedStatus, when set,
// must match the stored status so two confirmers cannot both win.
type ConfirmPaymentRequest struct {
	ManuscriptID   string
	ExpectedStatus *domain.InvoiceStatus
}

// ConfirmPayment flips the invoice to paid. It never touches the manuscript.
func (e Engine) ConfirmPayment(ctx context.Context, actor workflow.RoleContext, req ConfirmPaymentRequest) (inv domain.Invoice, err error) {
	defer e.record(&err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inv, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return inv, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionUpdateInvoiceInfo); err != nil {
		return inv, err
	}
	current, err := e.Repo.FindInvoice(ctx, tx, m.ID)
	if err != nil {
		return inv, err
	}
	if current == nil {
		return inv, workflow.PreconditionFailed("no_invoice", "manuscript has no invoice to confirm")
	}
	if req.ExpectedStatus != nil && *req.ExpectedStatus != current.Status {
		return *current, workflow.Conflict("invoice")
	}
	switch current.Status {
	case domain.InvoicePaid:
		return *current, workflow.PreconditionFailed("already_paid", "invoice is already paid")
	case domain.InvoiceWaived:
		return *current, workflow.PreconditionFailed("invoice_waived", "invoice is waived; nothing to collect")
	}
	at := e.stamp()
	if err := e.Repo.MarkInvoicePaid(ctx, tx, m.ID, current.Status, actor.ActorID, at); err != nil {
		return *current, conflictAs(err, "invoice")
	}
	inv = *current
	inv.Status = domain.InvoicePaid
	inv.ConfirmedBy = &actor.ActorID
	inv.ConfirmedAt = &at
	inv.UpdatedAt = at
	if err := e.appendEvent(ctx, tx, events.InvoicePaid, m, actor.ActorID, events.EventPayload{
		"amount": inv.Amount.String(), "currency": inv.Currency, "previous": current.Status,
	}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindPaymentDone,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   recipients(m.AuthorID, deref(m.OwnerID)),
		Data:         map[string]any{"amount": inv.Amount.String(), "currency": inv.Currency},
	})
	return inv, nil
}
