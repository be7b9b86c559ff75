package repo

import (
	"context"
	"database/sql"

	"journalflow/internal/domain"
)

// InsertInvitation records a reviewer invitation. Inviting the same reviewer
// twice for one manuscript returns ErrExists.
func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.ReviewerInvitation) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO reviewer_invitations(id,manuscript_id,reviewer_id,invited_by,created_at) VALUES (?,?,?,?,?)`,
		inv.ID, inv.ManuscriptID, inv.ReviewerID, inv.InvitedBy, inv.CreatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

func (r Repo) CountInvitations(ctx context.Context, tx *sql.Tx, manuscriptID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM reviewer_invitations WHERE manuscript_id=?`, manuscriptID).Scan(&n)
	return n, err
}

func (r Repo) ListInvitations(ctx context.Context, manuscriptID string) ([]domain.ReviewerInvitation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,manuscript_id,reviewer_id,invited_by,created_at FROM reviewer_invitations WHERE manuscript_id=? ORDER BY created_at, id`, manuscriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewerInvitation
	for rows.Next() {
		var inv domain.ReviewerInvitation
		if err := rows.Scan(&inv.ID, &inv.ManuscriptID, &inv.ReviewerID, &inv.InvitedBy, &inv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
