package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"journalflow/internal/domain"
	"journalflow/internal/repo"
	"journalflow/internal/workflow"
)

// Snapshot is the actor-independent read model of a manuscript. It is cached
// per manuscript and dropped after every committed write.
type Snapshot struct {
	Manuscript          domain.Manuscript
	Invoice             *domain.Invoice
	Cycle               *domain.ProductionCycle
	ReviewerInvitations int
}

// Assignee names who currently holds the manuscript and why.
type Assignee struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// ManuscriptState is the caller-specific view returned by the state query.
type ManuscriptState struct {
	Manuscript        domain.Manuscript       `json:"manuscript"`
	Invoice           *domain.Invoice         `json:"invoice,omitempty"`
	Cycle             *domain.ProductionCycle `json:"production_cycle,omitempty"`
	Capabilities      workflow.CapabilitySet  `json:"capabilities"`
	LegalNextStatuses []domain.Status         `json:"legal_next_statuses"`
	Gates             workflow.Gates          `json:"gates"`
	NextAction        workflow.NextAction     `json:"next_action"`
	CurrentAssignee   *Assignee               `json:"current_assignee,omitempty"`
	GalleyURL         string                  `json:"galley_url,omitempty"`
	FinalPDFURL       string                  `json:"final_pdf_url,omitempty"`
	Terminal          bool                    `json:"terminal"`
}

func (e Engine) snapshot(ctx context.Context, id string) (Snapshot, error) {
	if s, ok := e.States.Get(id); ok {
		e.countLookup("hit")
		return s, nil
	}
	e.countLookup("miss")
	gen := e.States.Generation()
	s, err := e.loadSnapshot(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	e.States.PutIfCurrent(id, s, gen)
	return s, nil
}

// loadSnapshot reads the manuscript and its dependents in one transaction so
// they agree with each other.
func (e Engine) loadSnapshot(ctx context.Context, id string) (s Snapshot, err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	m, err := e.loadManuscript(ctx, tx, id)
	if err != nil {
		return s, err
	}
	s.Manuscript = m
	if s.Invoice, err = e.Repo.FindInvoice(ctx, tx, m.ID); err != nil {
		return s, err
	}
	if s.Cycle, err = e.Repo.LatestCycle(ctx, tx, m.ID); err != nil {
		return s, err
	}
	if s.ReviewerInvitations, err = e.Repo.CountInvitations(ctx, tx, m.ID); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) countLookup(result string) {
	if e.Metrics != nil {
		e.Metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// ManuscriptState answers the state query: status, the caller's
// capabilities, legal next statuses, gates and the advisory next action.
func (e Engine) ManuscriptState(ctx context.Context, actor workflow.RoleContext, id string) (ManuscriptState, error) {
	s, err := e.snapshot(ctx, id)
	if err != nil {
		return ManuscriptState{}, err
	}
	m := s.Manuscript
	if err := e.checkRead(actor, m); err != nil {
		return ManuscriptState{}, err
	}
	caps := e.CapabilitiesFor(actor)
	gates := workflow.EvaluateGates(workflow.GateInput{
		Invoice:      s.Invoice,
		FinalPDFPath: deref(m.FinalPDFPath),
		Cycle:        s.Cycle,
	}, e.Config.GatePolicy())

	st := ManuscriptState{
		Manuscript:        m,
		Invoice:           s.Invoice,
		Cycle:             s.Cycle,
		Capabilities:      caps,
		LegalNextStatuses: legalNext(m.Status),
		Gates:             gates,
		NextAction: workflow.DeriveNextAction(workflow.AdvisorInput{
			Manuscript:          m,
			Gates:               gates,
			Capabilities:        caps,
			ReviewerInvitations: s.ReviewerInvitations,
			Cycle:               s.Cycle,
		}),
		Terminal: workflow.IsTerminal(m.Status),
	}
	st.CurrentAssignee = currentAssignee(m, s.Cycle)

	ttl := e.Config.SignedURLTTL()
	if s.Cycle != nil && s.Cycle.GalleyPath != nil {
		st.GalleyURL = e.signedURL(ctx, m.ID, *s.Cycle.GalleyPath, ttl)
	}
	if m.FinalPDFPath != nil {
		st.FinalPDFURL = e.signedURL(ctx, m.ID, *m.FinalPDFPath, ttl)
	}
	return st, nil
}

func (e Engine) signedURL(ctx context.Context, manuscriptID, key string, ttl time.Duration) string {
	if e.Storage == nil {
		return ""
	}
	url, err := e.Storage.SignedURL(ctx, key, ttl)
	if err != nil {
		log.Warn().Err(err).Str("manuscript", manuscriptID).Str("key", key).Msg("sign url failed")
		return ""
	}
	return url
}

// legalNext is the transition table plus the forward band step.
func legalNext(s domain.Status) []domain.Status {
	out := append([]domain.Status{}, workflow.LegalNextStatuses(s)...)
	if next, ok := workflow.NextProductionStatus(s); ok && !workflow.IsLegal(s, next) {
		out = append(out, next)
	}
	return out
}

func currentAssignee(m domain.Manuscript, c *domain.ProductionCycle) *Assignee {
	var sources []workflow.Source
	if workflow.InPostAcceptance(m.Status) && c != nil && !c.Terminal() {
		sources = append(sources, workflow.FromString("layout_editor", c.LayoutEditorID))
	}
	sources = append(sources,
		workflow.Source{Name: "assistant_editor", Value: m.AssistantEditorID},
		workflow.Source{Name: "owner", Value: m.OwnerID},
	)
	id, from, ok := workflow.Resolve(sources...)
	if !ok {
		return nil
	}
	return &Assignee{ID: id, Source: from}
}

// ManuscriptEvents pages the audit trail of one manuscript, newest first.
func (e Engine) ManuscriptEvents(ctx context.Context, actor workflow.RoleContext, id string, before int64, limit int) ([]domain.Event, error) {
	m, err := e.loadManuscript(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if err := e.checkRead(actor, m); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilter{EntityKind: "manuscript", EntityID: m.ID}, before, limit)
}

// ListFilter narrows a manuscript listing.
type ListFilter struct {
	JournalID string
	Status    string
	Limit     int
}

// ListManuscripts lists what the caller may see: staff see their journals,
// everyone else sees only what they authored.
func (e Engine) ListManuscripts(ctx context.Context, actor workflow.RoleContext, f ListFilter) ([]domain.Manuscript, error) {
	rf := repo.ManuscriptFilter{JournalID: strings.TrimSpace(f.JournalID), Limit: f.Limit}
	if s := strings.TrimSpace(f.Status); s != "" {
		st, ok := domain.ParseStatus(s)
		if !ok {
			return nil, workflow.Validation("unknown status " + s)
		}
		rf.Status = string(st)
	}
	staff := len(actor.Roles) > 0 && !(len(actor.Roles) == 1 && actor.Roles.Has(workflow.RoleAuthor))
	if !staff {
		rf.AuthorID = actor.ActorID
		return e.Repo.ListManuscripts(ctx, rf)
	}
	items, err := e.Repo.ListManuscripts(ctx, rf)
	if err != nil {
		return nil, err
	}
	if !e.Config.Scope.EnforceJournalScope {
		return items, nil
	}
	out := items[:0]
	for _, m := range items {
		if actor.AllowsJournal(m.JournalID) || m.AuthorID == actor.ActorID {
			out = append(out, m)
		}
	}
	return out, nil
}
