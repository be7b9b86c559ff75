package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog/log"

	"journalflow/internal/domain"
	"journalflow/internal/events"
	"journalflow/internal/notify"
	"journalflow/internal/workflow"
)

// TransitionRequest asks for a manuscript status change.
type TransitionRequest struct {
	ManuscriptID     string
	Target           string
	Reason           string
	ExpectedRevision int
}

// RequestTransition applies a manual status change after checking, in order:
// terminal state, capability, journal scope, staleness, legality, the
// pre-check assistant editor guard, the reason policy and, for publication,
// both gates.
func (e Engine) RequestTransition(ctx context.Context, actor workflow.RoleContext, req TransitionRequest) (m domain.Manuscript, err error) {
	defer e.record(&err)
	raw := strings.ToLower(strings.TrimSpace(req.Target))
	if raw == "" {
		return m, workflow.Validation("target status is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m, err = e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return m, err
	}
	if workflow.IsTerminal(m.Status) {
		return m, workflow.TerminalState(string(m.Status))
	}
	if err := e.staffGuard(actor, m, workflow.ActionManualTransition); err != nil {
		return m, err
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	target, known := domain.ParseStatus(raw)
	if !known {
		return m, workflow.IllegalTransition(string(m.Status), raw)
	}
	bandStep := false
	if !workflow.IsLegal(m.Status, target) {
		next, ok := workflow.NextProductionStatus(m.Status)
		if !ok || next != target {
			return m, workflow.IllegalTransition(string(m.Status), string(target))
		}
		bandStep = true
	}
	if m.Status == domain.StatusPreCheck && target == domain.StatusUnderReview && strings.TrimSpace(deref(m.AssistantEditorID)) == "" {
		return m, workflow.PreconditionFailed("assign_ae_first", "Assign an Assistant Editor first")
	}
	reason := strings.TrimSpace(req.Reason)
	if e.Config.ReasonRequiredFor(target) && reason == "" {
		return m, workflow.ReasonRequired(string(target))
	}
	if target == domain.StatusPublished {
		if err := e.checkGates(ctx, tx, m); err != nil {
			return m, err
		}
	}

	from := m.Status
	m.Status = target
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	payload := events.EventPayload{"from": from, "to": target, "revision": m.Revision}
	if reason != "" {
		payload["reason"] = reason
	}
	evtType := events.ManuscriptTransitioned
	if bandStep {
		evtType = events.ProductionAdvanced
	}
	if err := e.appendEvent(ctx, tx, evtType, m, actor.ActorID, payload); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.committedTransition(ctx, actor, m, from, reason)
	return m, nil
}

func (e Engine) committedTransition(ctx context.Context, actor workflow.RoleContext, m domain.Manuscript, from domain.Status, reason string) {
	e.countTransition(from, m.Status)
	log.Debug().
		Str("manuscript", m.ID).
		Str("from", string(from)).
		Str("to", string(m.Status)).
		Str("actor", actor.ActorID).
		Int("revision", m.Revision).
		Msg("manuscript transitioned")
	data := map[string]any{"from": from, "to": m.Status}
	if reason != "" {
		data["reason"] = reason
	}
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindTransition,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   recipients(m.AuthorID, deref(m.AssistantEditorID), deref(m.OwnerID)),
		Data:         data,
	})
}

// gateInput reads the gate facts inside tx.
func (e Engine) gateInput(ctx context.Context, tx *sql.Tx, m domain.Manuscript) (workflow.GateInput, error) {
	inv, err := e.Repo.FindInvoice(ctx, tx, m.ID)
	if err != nil {
		return workflow.GateInput{}, err
	}
	cycle, err := e.Repo.LatestCycle(ctx, tx, m.ID)
	if err != nil {
		return workflow.GateInput{}, err
	}
	return workflow.GateInput{Invoice: inv, FinalPDFPath: deref(m.FinalPDFPath), Cycle: cycle}, nil
}

func (e Engine) checkGates(ctx context.Context, tx *sql.Tx, m domain.Manuscript) error {
	in, err := e.gateInput(ctx, tx, m)
	if err != nil {
		return err
	}
	gates := workflow.EvaluateGates(in, e.Config.GatePolicy())
	if !gates.Satisfied() {
		return workflow.GateNotSatisfied(gates.Unmet()...)
	}
	return nil
}

// ProductionMove asks to step the manuscript one position along the
// production band.
type ProductionMove struct {
	ManuscriptID     string
	Reason           string
	ExpectedRevision int
}

// AdvanceProduction moves approved -> layout -> english_editing ->
// proofreading -> published. Entering published re-runs both gates.
func (e Engine) AdvanceProduction(ctx context.Context, actor workflow.RoleContext, req ProductionMove) (m domain.Manuscript, err error) {
	defer e.record(&err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m, err = e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return m, err
	}
	if workflow.IsTerminal(m.Status) {
		return m, workflow.TerminalState(string(m.Status))
	}
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return m, err
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	next, ok := workflow.NextProductionStatus(m.Status)
	if !ok {
		return m, workflow.PreconditionFailed("not_in_production", "manuscript is not in the production band")
	}
	if next == domain.StatusPublished {
		if err := e.checkGates(ctx, tx, m); err != nil {
			return m, err
		}
	}
	from := m.Status
	m.Status = next
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	payload := events.EventPayload{"from": from, "to": next, "revision": m.Revision}
	if r := strings.TrimSpace(req.Reason); r != "" {
		payload["reason"] = r
	}
	if err := e.appendEvent(ctx, tx, events.ProductionAdvanced, m, actor.ActorID, payload); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.committedTransition(ctx, actor, m, from, strings.TrimSpace(req.Reason))
	return m, nil
}

// RevertProduction steps one position back inside the band. It never leaves
// the band and never reopens a published manuscript. A cycle still in
// progress is superseded in the same transaction so a new round can start.
func (e Engine) RevertProduction(ctx context.Context, actor workflow.RoleContext, req ProductionMove) (m domain.Manuscript, err error) {
	defer e.record(&err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m, err = e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return m, err
	}
	if workflow.IsTerminal(m.Status) {
		return m, workflow.TerminalState(string(m.Status))
	}
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return m, err
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	prev, ok := workflow.PreviousProductionStatus(m.Status)
	if !ok {
		return m, workflow.PreconditionFailed("cannot_revert", "manuscript cannot move back from "+string(m.Status))
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return m, workflow.ReasonRequired(string(prev))
	}
	at := e.stamp()
	superseded, err := e.Repo.SupersedeActiveCycles(ctx, tx, m.ID, at)
	if err != nil {
		return m, err
	}
	from := m.Status
	m.Status = prev
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	if err := e.appendEvent(ctx, tx, events.ProductionReverted, m, actor.ActorID, events.EventPayload{
		"from": from, "to": prev, "reason": reason, "revision": m.Revision,
	}); err != nil {
		return m, err
	}
	for _, id := range superseded {
		if err := e.appendEvent(ctx, tx, events.CycleSuperseded, m, actor.ActorID, events.EventPayload{"cycle_id": id}); err != nil {
			return m, err
		}
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.committedTransition(ctx, actor, m, from, reason)
	return m, nil
}
