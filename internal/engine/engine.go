package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"journalflow/internal/cache"
	"journalflow/internal/config"
	"journalflow/internal/domain"
	"journalflow/internal/engine/auth"
	"journalflow/internal/events"
	"journalflow/internal/notify"
	"journalflow/internal/obs"
	"journalflow/internal/production"
	"journalflow/internal/repo"
	"journalflow/internal/storage"
	"journalflow/internal/workflow"
)

// Engine runs every manuscript and production-cycle mutation. Each operation
// is one transaction: guards, conditional writes and the audit event commit
// together or not at all.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Auth         auth.Service
	Config       *config.Config
	Capabilities workflow.Resolver
	Production   *production.Machine
	Storage      storage.ObjectStore
	Notifier     notify.Dispatcher
	States       *cache.Cache[Snapshot]
	Metrics      *obs.Metrics
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("default")
	}
	resolver, err := workflow.NewResolver(cfg.Capabilities)
	if err != nil {
		log.Warn().Err(err).Msg("invalid capability overrides; using built-in table")
		resolver, _ = workflow.NewResolver(nil)
	}
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Auth:         auth.New(db),
		Config:       cfg,
		Capabilities: resolver,
		Production:   production.MustNew(),
		Storage:      storage.NewMemory(cfg.Storage.Bucket),
		Notifier:     notify.Nop{},
		States:       cache.New[Snapshot](cfg.Cache.Size, time.Duration(cfg.Cache.TTLSeconds)*time.Second),
		Metrics:      obs.Default(),
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// EnsureJournal creates the journal row if it does not exist yet.
func (e Engine) EnsureJournal(ctx context.Context, id, name string) error {
	if strings.TrimSpace(id) == "" {
		return workflow.Validation("journal id is required")
	}
	return e.Repo.EnsureJournal(ctx, nil, domain.Journal{ID: id, Name: name, CreatedAt: e.stamp()})
}

// CapabilitiesFor derives an actor's capabilities under the configured role table.
func (e Engine) CapabilitiesFor(actor workflow.RoleContext) workflow.CapabilitySet {
	return e.Capabilities.Derive(actor.Roles)
}

func (e Engine) require(actor workflow.RoleContext, action workflow.Action) error {
	if !e.CapabilitiesFor(actor).Allows(action) {
		return workflow.Unauthorized(string(action))
	}
	return nil
}

// checkScope fails closed for staff acting outside their journals.
func (e Engine) checkScope(actor workflow.RoleContext, m domain.Manuscript) error {
	if !e.Config.Scope.EnforceJournalScope || actor.AllowsJournal(m.JournalID) {
		return nil
	}
	return workflow.ScopeForbidden(m.JournalID)
}

// checkRead lets authors see their own manuscripts regardless of scope.
func (e Engine) checkRead(actor workflow.RoleContext, m domain.Manuscript) error {
	if actor.ActorID != "" && actor.ActorID == m.AuthorID {
		return nil
	}
	return e.checkScope(actor, m)
}

func (e Engine) staffGuard(actor workflow.RoleContext, m domain.Manuscript, action workflow.Action) error {
	if err := e.require(actor, action); err != nil {
		return err
	}
	return e.checkScope(actor, m)
}

func (e Engine) loadManuscript(ctx context.Context, tx *sql.Tx, id string) (domain.Manuscript, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Manuscript{}, workflow.Validation("manuscript id is required")
	}
	m, err := e.Repo.GetManuscript(ctx, tx, id)
	if err != nil {
		return m, fmt.Errorf("manuscript %s: %w", id, err)
	}
	return m, nil
}

// checkRevision rejects a caller whose view of the manuscript is stale.
// Zero means the caller did not pin a revision.
func checkRevision(m domain.Manuscript, expected int) error {
	if expected > 0 && m.Revision != expected {
		return workflow.Conflict("manuscript")
	}
	return nil
}

// saveManuscript writes m conditioned on the revision it was read at.
func (e Engine) saveManuscript(ctx context.Context, tx *sql.Tx, m *domain.Manuscript) error {
	readAt := m.Revision
	m.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateManuscript(ctx, tx, *m, readAt); err != nil {
		return conflictAs(err, "manuscript")
	}
	m.Revision = readAt + 1
	return nil
}

func conflictAs(err error, entity string) error {
	if errors.Is(err, repo.ErrConflict) {
		return workflow.Conflict(entity)
	}
	return err
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType string, m domain.Manuscript, actorID string, payload events.EventPayload) error {
	return e.Events.Append(ctx, tx, evtType, m.JournalID, "manuscript", m.ID, actorID, payload)
}

// afterCommit runs the side effects of a committed write. Failures are
// logged because the write already happened.
func (e Engine) afterCommit(ctx context.Context, manuscriptID string, notes ...notify.Notification) {
	e.States.Invalidate(manuscriptID)
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if n.At == "" {
			n.At = e.stamp()
		}
		if err := e.Notifier.Dispatch(ctx, n); err != nil {
			log.Warn().Err(err).Str("kind", n.Kind).Str("manuscript", manuscriptID).Msg("notification dispatch failed")
		}
	}
}

// discardUnlessCommitted removes an object uploaded ahead of a transaction
// that never committed.
func (e Engine) discardUnlessCommitted(ctx context.Context, key string, committed *bool) {
	if *committed {
		return
	}
	if err := e.Storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("orphaned upload left in storage")
	}
}

// record counts typed rejections.
func (e Engine) record(err *error) {
	if err == nil || *err == nil || e.Metrics == nil {
		return
	}
	var wfErr *workflow.Error
	if errors.As(*err, &wfErr) {
		e.Metrics.Rejections.WithLabelValues(string(wfErr.Code)).Inc()
	}
}

func (e Engine) countTransition(from, to domain.Status) {
	if e.Metrics != nil {
		e.Metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (e Engine) countCycle(to domain.CycleStatus) {
	if e.Metrics != nil {
		e.Metrics.CycleChanges.WithLabelValues(string(to)).Inc()
	}
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func recipients(ids ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func parseDue(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, workflow.Validation(fmt.Sprintf("proof_due_at must be RFC3339: %v", err))
	}
	v := t.UTC().Format(time.RFC3339)
	return &v, nil
}
