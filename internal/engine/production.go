package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"journalflow/internal/domain"
	"journalflow/internal/events"
	"journalflow/internal/ids"
	"journalflow/internal/notify"
	"journalflow/internal/production"
	"journalflow/internal/repo"
	"journalflow/internal/storage"
	"journalflow/internal/workflow"
)

// CreateCycleRequest opens a production round.
type CreateCycleRequest struct {
	ManuscriptID          string
	LayoutEditorID        string
	CollaboratorEditorIDs []string
	// ProofreaderAuthorID may be left empty; it must name the manuscript's
	// author when set.
	ProofreaderAuthorID string
	ProofDueAt          string
}

// CreateCycle opens round max+1 in draft. Only one cycle may be in progress
// per manuscript.
func (e Engine) CreateCycle(ctx context.Context, actor workflow.RoleContext, req CreateCycleRequest) (c domain.ProductionCycle, err error) {
	defer e.record(&err)
	layout := strings.TrimSpace(req.LayoutEditorID)
	if layout == "" {
		return c, workflow.Validation("layout editor is required")
	}
	collaborators, err := collaboratorSet(layout, req.CollaboratorEditorIDs)
	if err != nil {
		return c, err
	}
	due, err := parseDue(req.ProofDueAt)
	if err != nil {
		return c, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return c, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return c, err
	}
	if !workflow.InPostAcceptance(m.Status) {
		return c, workflow.PreconditionFailed("not_in_production", "production cycles can only be opened after acceptance")
	}
	if p := strings.TrimSpace(req.ProofreaderAuthorID); p != "" && p != m.AuthorID {
		return c, workflow.Validation("proofreader must be the manuscript's author")
	}
	active, err := e.Repo.ActiveCycle(ctx, tx, m.ID)
	switch {
	case err == nil:
		return c, workflow.CycleAlreadyActive(active.CycleNo)
	case !errors.Is(err, repo.ErrNotFound):
		return c, err
	}
	maxNo, err := e.Repo.MaxCycleNo(ctx, tx, m.ID)
	if err != nil {
		return c, err
	}
	now := e.now()
	stamp := e.stamp()
	c = domain.ProductionCycle{
		ID:                    ids.Sortable(now),
		ManuscriptID:          m.ID,
		CycleNo:               maxNo + 1,
		Status:                domain.CycleDraft,
		LayoutEditorID:        layout,
		CollaboratorEditorIDs: collaborators,
		ProofreaderAuthorID:   m.AuthorID,
		ProofDueAt:            due,
		CreatedAt:             stamp,
		UpdatedAt:             stamp,
	}
	if err := e.Repo.InsertCycle(ctx, tx, c); err != nil {
		return c, conflictAs(err, "production cycle")
	}
	if err := e.appendEvent(ctx, tx, events.CycleCreated, m, actor.ActorID, events.EventPayload{
		"cycle_id": c.ID, "cycle_no": c.CycleNo, "layout_editor_id": layout, "collaborator_editor_ids": collaborators,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.countCycle(c.Status)
	e.afterCommit(ctx, m.ID)
	return c, nil
}

// collaboratorSet trims and dedupes ids and rejects the layout editor.
func collaboratorSet(layout string, raw []string) ([]string, error) {
	out := []string{}
	seen := map[string]struct{}{}
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if id == layout {
			return nil, workflow.DuplicateAssignee(id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// liveCycle returns the cycle in progress. When the latest cycle is already
// approved the operation is an invalid-state error rather than a missing cycle.
func (e Engine) liveCycle(ctx context.Context, tx *sql.Tx, manuscriptID, op string) (domain.ProductionCycle, error) {
	c, err := e.Repo.ActiveCycle(ctx, tx, manuscriptID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	latest, err := e.Repo.LatestCycle(ctx, tx, manuscriptID)
	if err != nil {
		return c, err
	}
	if latest != nil && latest.Status == domain.CycleApprovedForPublish {
		return *latest, workflow.InvalidState(op, string(latest.Status))
	}
	return c, workflow.PreconditionFailed("no_active_cycle", "manuscript has no production cycle in progress")
}

func (e Engine) saveCycle(ctx context.Context, tx *sql.Tx, c *domain.ProductionCycle, readStatus domain.CycleStatus) error {
	c.UpdatedAt = e.stamp()
	return conflictAs(e.Repo.UpdateCycle(ctx, tx, *c, readStatus), "production cycle")
}

// UpdateEditorsRequest replaces the cycle's staff.
type UpdateEditorsRequest struct {
	ManuscriptID          string
	LayoutEditorID        string
	CollaboratorEditorIDs []string
}

// UpdateEditors is legal until the cycle is approved.
func (e Engine) UpdateEditors(ctx context.Context, actor workflow.RoleContext, req UpdateEditorsRequest) (c domain.ProductionCycle, err error) {
	defer e.record(&err)
	layout := strings.TrimSpace(req.LayoutEditorID)
	if layout == "" {
		return c, workflow.Validation("layout editor is required")
	}
	collaborators, err := collaboratorSet(layout, req.CollaboratorEditorIDs)
	if err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return c, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return c, err
	}
	c, err = e.liveCycle(ctx, tx, m.ID, "editor update")
	if err != nil {
		return c, err
	}
	c.LayoutEditorID = layout
	c.CollaboratorEditorIDs = collaborators
	if err := e.saveCycle(ctx, tx, &c, c.Status); err != nil {
		return c, err
	}
	if err := e.appendEvent(ctx, tx, events.CycleEditorsUpdated, m, actor.ActorID, events.EventPayload{
		"cycle_id": c.ID, "layout_editor_id": layout, "collaborator_editor_ids": collaborators,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.afterCommit(ctx, m.ID)
	return c, nil
}

// GalleyRequest uploads a galley for the cycle in progress.
type GalleyRequest struct {
	ManuscriptID string
	File         FileUpload
	VersionNote  string
	ProofDueAt   string
}

// UploadGalley stores the file and moves the cycle to awaiting_author. Any
// earlier author response stays in history but stops counting.
func (e Engine) UploadGalley(ctx context.Context, actor workflow.RoleContext, req GalleyRequest) (c domain.ProductionCycle, err error) {
	defer e.record(&err)
	if err := req.File.validate(); err != nil {
		return c, err
	}
	due, err := parseDue(req.ProofDueAt)
	if err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return c, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return c, err
	}
	c, err = e.liveCycle(ctx, tx, m.ID, "galley upload")
	if err != nil {
		return c, err
	}
	readStatus := c.Status
	next, err := e.Production.Apply(readStatus, production.EventUploadGalley, production.Context{})
	if err != nil {
		return c, err
	}
	now := e.now()
	key := storage.GalleyKey(m.ID, c.CycleNo, req.File.FileName, now)
	if err := e.Storage.Put(ctx, key, req.File.Body, req.File.Size, req.File.ContentType); err != nil {
		return c, err
	}
	committed := false
	defer e.discardUnlessCommitted(ctx, key, &committed)
	c.Status = next
	c.GalleyPath = &key
	c.GalleyVersionNote = optionalString(req.VersionNote)
	if due != nil {
		c.ProofDueAt = due
	}
	c.LatestResponseID = nil
	if err := e.saveCycle(ctx, tx, &c, readStatus); err != nil {
		return c, err
	}
	if err := e.appendEvent(ctx, tx, events.CycleGalleyUploaded, m, actor.ActorID, events.EventPayload{
		"cycle_id": c.ID, "cycle_no": c.CycleNo, "from": readStatus, "to": next, "path": key, "version_note": deref(c.GalleyVersionNote),
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	committed = true
	e.countCycle(next)
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindGalleyReady,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   []string{c.ProofreaderAuthorID},
		Data:         map[string]any{"cycle_no": c.CycleNo, "proof_due_at": deref(c.ProofDueAt)},
	})
	return c, nil
}

// ProofResponseRequest is the author's answer to a galley.
type ProofResponseRequest struct {
	ManuscriptID string
	Decision     string
	Corrections  []domain.Correction
}

// SubmitAuthorResponse records the proofreading author's decision. Only the
// cycle's proofreader may answer; corrections need at least one entry with
// both a location and suggested text.
func (e Engine) SubmitAuthorResponse(ctx context.Context, actor workflow.RoleContext, req ProofResponseRequest) (resp domain.ProofResponse, err error) {
	defer e.record(&err)
	decision := domain.ProofDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	var evt production.EventType
	switch decision {
	case domain.DecisionConfirmClean:
		evt = production.EventConfirmClean
	case domain.DecisionSubmitCorrections:
		evt = production.EventRequestCorrections
		if len(req.Corrections) == 0 {
			return resp, workflow.CorrectionsRequired("")
		}
		for i, corr := range req.Corrections {
			if strings.TrimSpace(corr.Location) == "" || strings.TrimSpace(corr.SuggestedText) == "" {
				return resp, workflow.CorrectionsRequired(fmt.Sprintf("correction %d needs a location and suggested text", i+1))
			}
		}
	default:
		return resp, workflow.Validation("decision must be confirm_clean or submit_corrections")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, req.ManuscriptID)
	if err != nil {
		return resp, err
	}
	c, err := e.liveCycle(ctx, tx, m.ID, "author response")
	if err != nil {
		return resp, err
	}
	if actor.ActorID == "" || actor.ActorID != c.ProofreaderAuthorID {
		return resp, workflow.Unauthorized("proofreading_response")
	}
	readStatus := c.Status
	next, err := e.Production.Apply(readStatus, evt, production.Context{})
	if err != nil {
		return resp, err
	}
	now := e.now()
	resp = domain.ProofResponse{
		ID:        ids.Sortable(now),
		CycleID:   c.ID,
		AuthorID:  actor.ActorID,
		Decision:  decision,
		CreatedAt: e.stamp(),
	}
	if decision == domain.DecisionSubmitCorrections {
		resp.Corrections = req.Corrections
	}
	if err := e.Repo.InsertProofResponse(ctx, tx, resp); err != nil {
		return resp, err
	}
	c.Status = next
	c.LatestResponseID = &resp.ID
	if err := e.saveCycle(ctx, tx, &c, readStatus); err != nil {
		return resp, err
	}
	if err := e.appendEvent(ctx, tx, events.CycleAuthorResponded, m, actor.ActorID, events.EventPayload{
		"cycle_id": c.ID, "response_id": resp.ID, "decision": decision, "corrections": len(resp.Corrections), "to": next,
	}); err != nil {
		return resp, err
	}
	if err := tx.Commit(); err != nil {
		return resp, err
	}
	e.countCycle(next)
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindProofAnswer,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   recipients(append([]string{c.LayoutEditorID}, c.CollaboratorEditorIDs...)...),
		Data:         map[string]any{"decision": decision, "cycle_no": c.CycleNo},
	})
	return resp, nil
}

// ApproveCycle approves the cycle in progress for publication. The live
// author response must be a clean confirmation.
func (e Engine) ApproveCycle(ctx context.Context, actor workflow.RoleContext, manuscriptID string) (c domain.ProductionCycle, err error) {
	defer e.record(&err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, manuscriptID)
	if err != nil {
		return c, err
	}
	if err := e.staffGuard(actor, m, workflow.ActionApproveProduction); err != nil {
		return c, err
	}
	c, err = e.liveCycle(ctx, tx, m.ID, "approval")
	if err != nil {
		return c, err
	}
	var mc production.Context
	if c.LatestResponseID != nil {
		resp, err := e.Repo.GetProofResponse(ctx, tx, *c.LatestResponseID)
		if err != nil {
			return c, err
		}
		mc.LatestDecision = resp.Decision
	}
	readStatus := c.Status
	next, err := e.Production.Apply(readStatus, production.EventApprove, mc)
	if err != nil {
		return c, err
	}
	at := e.stamp()
	c.Status = next
	c.ApprovedBy = &actor.ActorID
	c.ApprovedAt = &at
	if err := e.saveCycle(ctx, tx, &c, readStatus); err != nil {
		return c, err
	}
	if err := e.appendEvent(ctx, tx, events.CycleApproved, m, actor.ActorID, events.EventPayload{
		"cycle_id": c.ID, "cycle_no": c.CycleNo,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.countCycle(next)
	log.Debug().Str("manuscript", m.ID).Int("cycle", c.CycleNo).Str("actor", actor.ActorID).Msg("production cycle approved")
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindCycleApprove,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   recipients(m.AuthorID, c.LayoutEditorID),
		Data:         map[string]any{"cycle_no": c.CycleNo},
	})
	return c, nil
}
