package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"journalflow/internal/domain"
	"journalflow/internal/events"
	"journalflow/internal/ids"
	"journalflow/internal/notify"
	"journalflow/internal/repo"
	"journalflow/internal/storage"
	"journalflow/internal/workflow"
)

// SubmitRequest creates a manuscript on behalf of its author.
type SubmitRequest struct {
	ID        string
	JournalID string
	Title     string
}

// SubmitManuscript records a new submission in pre_check at version 1. The
// calling actor becomes the author.
func (e Engine) SubmitManuscript(ctx context.Context, actor workflow.RoleContext, req SubmitRequest) (m domain.Manuscript, err error) {
	defer e.record(&err)
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return m, workflow.Validation("title is required")
	}
	if strings.TrimSpace(actor.ActorID) == "" {
		return m, workflow.Validation("author is required")
	}
	journalID := strings.TrimSpace(req.JournalID)
	if journalID == "" {
		journalID = e.Config.Journal.ID
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = ids.New()
	}
	now := e.stamp()
	m = domain.Manuscript{
		ID:        id,
		JournalID: journalID,
		Title:     title,
		AuthorID:  actor.ActorID,
		Status:    domain.StatusPreCheck,
		Version:   1,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetJournal(ctx, tx, journalID); err != nil {
		return m, fmt.Errorf("journal %s: %w", journalID, err)
	}
	if err := e.Auth.EnsureActor(ctx, tx, actor.ActorID); err != nil {
		return m, err
	}
	if err := e.Repo.InsertManuscript(ctx, tx, m); err != nil {
		if errors.Is(err, repo.ErrExists) {
			return m, workflow.Validation("manuscript " + id + " already exists")
		}
		return m, err
	}
	if err := e.appendEvent(ctx, tx, events.ManuscriptSubmitted, m, actor.ActorID, events.EventPayload{"title": title, "status": m.Status}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.afterCommit(ctx, m.ID)
	return m, nil
}

// AssignmentRequest names a staff member for a manuscript slot.
type AssignmentRequest struct {
	ManuscriptID     string
	AssigneeID       string
	ExpectedRevision int
}

// AssignAssistantEditor sets the assistant editor, which lifts the pre-check
// guard on pre_check -> under_review.
func (e Engine) AssignAssistantEditor(ctx context.Context, actor workflow.RoleContext, req AssignmentRequest) (domain.Manuscript, error) {
	return e.assign(ctx, actor, req, workflow.ActionAssignAE, events.ManuscriptAEAssigned, func(m *domain.Manuscript, id *string) {
		m.AssistantEditorID = id
	})
}

// BindOwner sets the sales owner of a manuscript.
func (e Engine) BindOwner(ctx context.Context, actor workflow.RoleContext, req AssignmentRequest) (domain.Manuscript, error) {
	return e.assign(ctx, actor, req, workflow.ActionBindOwner, events.ManuscriptOwnerBound, func(m *domain.Manuscript, id *string) {
		m.OwnerID = id
	})
}

func (e Engine) assign(ctx context.Context, actor workflow.RoleContext, req AssignmentRequest, action workflow.Action, evtType string, set func(*domain.Manuscript, *string)) (m domain.Manuscript, err error) {
	defer e.record(&err)
	assignee := optionalString(req.AssigneeID)
	if assignee == nil {
		return m, workflow.Validation("assignee is required")
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
	if err := e.staffGuard(actor, m, action); err != nil {
		return m, err
	}
	if workflow.IsTerminal(m.Status) {
		return m, workflow.TerminalState(string(m.Status))
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	set(&m, assignee)
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	if err := e.appendEvent(ctx, tx, evtType, m, actor.ActorID, events.EventPayload{"assignee": *assignee, "revision": m.Revision}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.afterCommit(ctx, m.ID)
	return m, nil
}

// InviteRequest invites a reviewer.
type InviteRequest struct {
	ManuscriptID string
	ReviewerID   string
}

// InviteReviewer records an invitation while the manuscript is in review.
func (e Engine) InviteReviewer(ctx context.Context, actor workflow.RoleContext, req InviteRequest) (inv domain.ReviewerInvitation, err error) {
	defer e.record(&err)
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return inv, workflow.Validation("reviewer is required")
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
	if err := e.staffGuard(actor, m, workflow.ActionManageReviewers); err != nil {
		return inv, err
	}
	if m.Status != domain.StatusUnderReview && m.Status != domain.StatusResubmitted {
		return inv, workflow.PreconditionFailed("not_in_review", "reviewers can only be invited while the manuscript is under review")
	}
	if reviewer == m.AuthorID {
		return inv, workflow.Validation("the author cannot review their own manuscript")
	}
	inv = domain.ReviewerInvitation{
		ID:           ids.New(),
		ManuscriptID: m.ID,
		ReviewerID:   reviewer,
		InvitedBy:    actor.ActorID,
		CreatedAt:    e.stamp(),
	}
	if err := e.Repo.InsertInvitation(ctx, tx, inv); err != nil {
		if errors.Is(err, repo.ErrExists) {
			return inv, workflow.DuplicateAssignee(reviewer)
		}
		return inv, err
	}
	if err := e.appendEvent(ctx, tx, events.ReviewerInvited, m, actor.ActorID, events.EventPayload{"reviewer": reviewer, "invitation_id": inv.ID}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	e.afterCommit(ctx, m.ID, notify.Notification{
		Kind:         notify.KindReviewInvite,
		JournalID:    m.JournalID,
		ManuscriptID: m.ID,
		ActorID:      actor.ActorID,
		Recipients:   []string{reviewer},
	})
	return inv, nil
}

// ResubmitRequest is an author's revised submission.
type ResubmitRequest struct {
	ManuscriptID     string
	Note             string
	ExpectedRevision int
}

// Resubmit moves a manuscript from a revision status to resubmitted and
// bumps its version. Only the submitting author may call it.
func (e Engine) Resubmit(ctx context.Context, actor workflow.RoleContext, req ResubmitRequest) (m domain.Manuscript, err error) {
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
	if actor.ActorID == "" || actor.ActorID != m.AuthorID {
		return m, workflow.Unauthorized("resubmit")
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	if m.Status != domain.StatusMinorRevision && m.Status != domain.StatusMajorRevision {
		return m, workflow.IllegalTransition(string(m.Status), string(domain.StatusResubmitted))
	}
	from := m.Status
	m.Status = domain.StatusResubmitted
	m.Version++
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	payload := events.EventPayload{"from": from, "to": m.Status, "version": m.Version, "revision": m.Revision}
	if note := strings.TrimSpace(req.Note); note != "" {
		payload["note"] = note
	}
	if err := e.appendEvent(ctx, tx, events.ManuscriptResubmitted, m, actor.ActorID, payload); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.committedTransition(ctx, actor, m, from, "")
	return m, nil
}

// FileUpload carries an artifact to store.
type FileUpload struct {
	FileName    string
	ContentType string
	Body        io.Reader
	Size        int64
}

func (f FileUpload) validate() error {
	if f.Body == nil {
		return workflow.Validation("file is required")
	}
	if f.Size <= 0 {
		return workflow.Validation("file is empty")
	}
	return nil
}

// FinalPDFRequest attaches the final production PDF.
type FinalPDFRequest struct {
	ManuscriptID     string
	File             FileUpload
	ExpectedRevision int
}

// AttachFinalPDF stores the final PDF and records its path, one input of
// the proof gate.
func (e Engine) AttachFinalPDF(ctx context.Context, actor workflow.RoleContext, req FinalPDFRequest) (m domain.Manuscript, err error) {
	defer e.record(&err)
	if err := req.File.validate(); err != nil {
		return m, err
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
	if err := e.staffGuard(actor, m, workflow.ActionOpenProduction); err != nil {
		return m, err
	}
	if err := checkRevision(m, req.ExpectedRevision); err != nil {
		return m, err
	}
	if !workflow.InPostAcceptance(m.Status) {
		return m, workflow.PreconditionFailed("not_in_production", "final PDF can only be attached during production")
	}
	key := storage.FinalPDFKey(m.ID, m.Version, req.File.FileName)
	if err := e.Storage.Put(ctx, key, req.File.Body, req.File.Size, req.File.ContentType); err != nil {
		return m, err
	}
	committed := false
	defer func() {
		// The key is per version, so it may hold an earlier committed upload.
		if !committed {
			log.Warn().Str("key", key).Str("manuscript", m.ID).Msg("final PDF stored but not recorded")
		}
	}()
	m.FinalPDFPath = &key
	if err := e.saveManuscript(ctx, tx, &m); err != nil {
		return m, err
	}
	if err := e.appendEvent(ctx, tx, events.ManuscriptFinalPDF, m, actor.ActorID, events.EventPayload{"path": key, "revision": m.Revision}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	committed = true
	e.afterCommit(ctx, m.ID)
	return m, nil
}
