package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) GrantJournal(ctx context.Context, tx *sql.Tx, actorID, journalID string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_journals(actor_id, journal_id) VALUES (?,?)`, actorID, journalID)
	return err
}

func (r Repo) RevokeJournal(ctx context.Context, tx *sql.Tx, actorID, journalID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM actor_journals WHERE actor_id=? AND journal_id=?`, actorID, journalID)
	return err
}

// ActorRoles returns the raw role strings stored for an actor.
func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
}

// ActorJournals returns the journal IDs an actor may act on.
func (r Repo) ActorJournals(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT journal_id FROM actor_journals WHERE actor_id=? ORDER BY journal_id`, actorID)
}

func (r Repo) queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
