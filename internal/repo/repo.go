package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"journalflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a conditional write matched no row because the
	// row changed after it was read.
	ErrConflict = errors.New("conflict")
	ErrExists   = errors.New("already exists")
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on picks the transaction when present. With a single pooled connection a
// query on r.DB while tx is open would block forever.
func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Journals

func (r Repo) EnsureJournal(ctx context.Context, tx *sql.Tx, j domain.Journal) error {
	if j.Name == "" {
		j.Name = j.ID
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO journals(id,name,created_at) VALUES (?,?,?)`, j.ID, j.Name, j.CreatedAt)
	return err
}

func (r Repo) GetJournal(ctx context.Context, tx *sql.Tx, id string) (domain.Journal, error) {
	var j domain.Journal
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM journals WHERE id=?`, id).Scan(&j.ID, &j.Name, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) ListJournals(ctx context.Context) ([]domain.Journal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM journals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Journal
	for rows.Next() {
		var j domain.Journal
		if err := rows.Scan(&j.ID, &j.Name, &j.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// SingleJournal returns the only journal, or an error when there are zero or several.
func (r Repo) SingleJournal(ctx context.Context) (domain.Journal, error) {
	items, err := r.ListJournals(ctx)
	if err != nil {
		return domain.Journal{}, err
	}
	if len(items) == 0 {
		return domain.Journal{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Journal{}, fmt.Errorf("multiple journals exist; specify --journal")
	}
	return items[0], nil
}

// Manuscripts

const manuscriptColumns = `id,journal_id,title,author_id,status,owner_id,assistant_editor_id,final_pdf_path,version,revision,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManuscript(row rowScanner) (domain.Manuscript, error) {
	var (
		m                   domain.Manuscript
		status              string
		owner, ae, finalPDF sql.NullString
	)
	err := row.Scan(&m.ID, &m.JournalID, &m.Title, &m.AuthorID, &status, &owner, &ae, &finalPDF, &m.Version, &m.Revision, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.Status(status)
	m.OwnerID = fromNull(owner)
	m.AssistantEditorID = fromNull(ae)
	m.FinalPDFPath = fromNull(finalPDF)
	return m, nil
}

func (r Repo) InsertManuscript(ctx context.Context, tx *sql.Tx, m domain.Manuscript) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO manuscripts(`+manuscriptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.JournalID, m.Title, m.AuthorID, string(m.Status), ptrValue(m.OwnerID), ptrValue(m.AssistantEditorID), ptrValue(m.FinalPDFPath),
		m.Version, m.Revision, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

func (r Repo) GetManuscript(ctx context.Context, tx *sql.Tx, id string) (domain.Manuscript, error) {
	return scanManuscript(r.on(tx).QueryRowContext(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts WHERE id=?`, id))
}

// ManuscriptFilter narrows ListManuscripts.
type ManuscriptFilter struct {
	JournalID string
	Status    string
	AuthorID  string
	Limit     int
}

func (r Repo) ListManuscripts(ctx context.Context, f ManuscriptFilter) ([]domain.Manuscript, error) {
	query := `SELECT ` + manuscriptColumns + ` FROM manuscripts`
	var (
		where []string
		args  []any
	)
	if f.JournalID != "" {
		where = append(where, "journal_id=?")
		args = append(args, f.JournalID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		where = append(where, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Manuscript
	for rows.Next() {
		m, err := scanManuscript(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateManuscript writes every mutable column if the stored revision still
// equals expectedRevision, and bumps the revision. It returns ErrConflict
// when no row matched.
func (r Repo) UpdateManuscript(ctx context.Context, tx *sql.Tx, m domain.Manuscript, expectedRevision int) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE manuscripts
SET status=?, owner_id=?, assistant_editor_id=?, final_pdf_path=?, version=?, revision=revision+1, updated_at=?
WHERE id=? AND revision=?`,
		string(m.Status), ptrValue(m.OwnerID), ptrValue(m.AssistantEditorID), ptrValue(m.FinalPDFPath), m.Version, m.UpdatedAt,
		m.ID, expectedRevision)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func ptrValue(p *string) any {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
