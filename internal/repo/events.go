package repo

import (
	"context"
	"database/sql"
	"strings"

	"journalflow/internal/domain"
)

// EventFilter narrows event queries. Empty fields match everything.
type EventFilter struct {
	JournalID  string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilter) clauses() ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.JournalID != "" {
		where = append(where, "journal_id=?")
		args = append(args, f.JournalID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return where, args
}

const eventColumns = `id,ts,type,COALESCE(journal_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JournalID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns up to limit events, newest first. A non-zero before
// cursor restricts the page to events older than that ID.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter, before int64, limit int) ([]domain.Event, error) {
	where, args := f.clauses()
	if before > 0 {
		where = append(where, "id<?")
		args = append(args, before)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ID greater than after, oldest first.
func (r Repo) EventsAfter(ctx context.Context, f EventFilter, after int64, limit int) ([]domain.Event, error) {
	where, args := f.clauses()
	where = append(where, "id>?")
	args = append(args, after)
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
