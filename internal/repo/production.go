package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"journalflow/internal/domain"
)

const cycleColumns = `id,manuscript_id,cycle_no,status,layout_editor_id,collaborator_editor_ids,proofreader_author_id,galley_path,galley_version_note,proof_due_at,latest_response_id,approved_by,approved_at,superseded_at,created_at,updated_at`

func scanCycle(row rowScanner) (domain.ProductionCycle, error) {
	var (
		c                                       domain.ProductionCycle
		status, collaborators                   string
		galley, note, due, latest, by, at, gone sql.NullString
	)
	err := row.Scan(&c.ID, &c.ManuscriptID, &c.CycleNo, &status, &c.LayoutEditorID, &collaborators, &c.ProofreaderAuthorID,
		&galley, &note, &due, &latest, &by, &at, &gone, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.CycleStatus(status)
	if err := json.Unmarshal([]byte(collaborators), &c.CollaboratorEditorIDs); err != nil {
		return c, fmt.Errorf("cycle %s collaborators: %w", c.ID, err)
	}
	if c.CollaboratorEditorIDs == nil {
		c.CollaboratorEditorIDs = []string{}
	}
	c.GalleyPath = fromNull(galley)
	c.GalleyVersionNote = fromNull(note)
	c.ProofDueAt = fromNull(due)
	c.LatestResponseID = fromNull(latest)
	c.ApprovedBy = fromNull(by)
	c.ApprovedAt = fromNull(at)
	c.SupersededAt = fromNull(gone)
	return c, nil
}

func (r Repo) queryCycles(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.ProductionCycle, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+cycleColumns+` FROM production_cycles WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProductionCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.ProductionCycle) error {
	collaborators, err := json.Marshal(nonNil(c.CollaboratorEditorIDs))
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO production_cycles(`+cycleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ManuscriptID, c.CycleNo, string(c.Status), c.LayoutEditorID, string(collaborators), c.ProofreaderAuthorID,
		ptrValue(c.GalleyPath), ptrValue(c.GalleyVersionNote), ptrValue(c.ProofDueAt), ptrValue(c.LatestResponseID),
		ptrValue(c.ApprovedBy), ptrValue(c.ApprovedAt), ptrValue(c.SupersededAt), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetCycle(ctx context.Context, tx *sql.Tx, id string) (domain.ProductionCycle, error) {
	return scanCycle(r.on(tx).QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM production_cycles WHERE id=?`, id))
}

// ActiveCycle returns the cycle that is neither approved nor superseded.
func (r Repo) ActiveCycle(ctx context.Context, tx *sql.Tx, manuscriptID string) (domain.ProductionCycle, error) {
	return scanCycle(r.on(tx).QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM production_cycles
WHERE manuscript_id=? AND superseded_at IS NULL AND status<>?
ORDER BY cycle_no DESC LIMIT 1`, manuscriptID, string(domain.CycleApprovedForPublish)))
}

// LatestCycle returns the highest-numbered cycle that was not superseded.
// It is the cycle the proof gate is evaluated against.
func (r Repo) LatestCycle(ctx context.Context, tx *sql.Tx, manuscriptID string) (*domain.ProductionCycle, error) {
	c, err := scanCycle(r.on(tx).QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM production_cycles
WHERE manuscript_id=? AND superseded_at IS NULL
ORDER BY cycle_no DESC LIMIT 1`, manuscriptID))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r Repo) ListCycles(ctx context.Context, tx *sql.Tx, manuscriptID string) ([]domain.ProductionCycle, error) {
	return r.queryCycles(ctx, tx, `manuscript_id=? ORDER BY cycle_no`, manuscriptID)
}

func (r Repo) MaxCycleNo(ctx context.Context, tx *sql.Tx, manuscriptID string) (int, error) {
	var n sql.NullInt64
	if err := r.on(tx).QueryRowContext(ctx, `SELECT MAX(cycle_no) FROM production_cycles WHERE manuscript_id=?`, manuscriptID).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// UpdateCycle persists c if the stored status still equals expected.
func (r Repo) UpdateCycle(ctx context.Context, tx *sql.Tx, c domain.ProductionCycle, expected domain.CycleStatus) error {
	collaborators, err := json.Marshal(nonNil(c.CollaboratorEditorIDs))
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE production_cycles SET status=?, layout_editor_id=?, collaborator_editor_ids=?,
  galley_path=?, galley_version_note=?, proof_due_at=?, latest_response_id=?, approved_by=?, approved_at=?, superseded_at=?, updated_at=?
WHERE id=? AND status=? AND superseded_at IS NULL`,
		string(c.Status), c.LayoutEditorID, string(collaborators),
		ptrValue(c.GalleyPath), ptrValue(c.GalleyVersionNote), ptrValue(c.ProofDueAt), ptrValue(c.LatestResponseID),
		ptrValue(c.ApprovedBy), ptrValue(c.ApprovedAt), ptrValue(c.SupersededAt), c.UpdatedAt,
		c.ID, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SupersedeActiveCycles marks every cycle that is neither approved nor already
// superseded as superseded and returns the IDs it touched.
func (r Repo) SupersedeActiveCycles(ctx context.Context, tx *sql.Tx, manuscriptID, at string) ([]string, error) {
	live, err := r.queryCycles(ctx, tx, `manuscript_id=? AND superseded_at IS NULL AND status<>? ORDER BY cycle_no`, manuscriptID, string(domain.CycleApprovedForPublish))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, c := range live {
		if _, err := r.on(tx).ExecContext(ctx, `UPDATE production_cycles SET superseded_at=?, updated_at=? WHERE id=?`, at, at, c.ID); err != nil {
			return nil, err
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Proof responses

func (r Repo) InsertProofResponse(ctx context.Context, tx *sql.Tx, p domain.ProofResponse) error {
	corrections, err := json.Marshal(nonNilCorrections(p.Corrections))
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO proof_responses(id,cycle_id,author_id,decision,corrections_json,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.CycleID, p.AuthorID, string(p.Decision), string(corrections), p.CreatedAt)
	return err
}

func scanProofResponse(row rowScanner) (domain.ProofResponse, error) {
	var (
		p                     domain.ProofResponse
		decision, corrections string
	)
	err := row.Scan(&p.ID, &p.CycleID, &p.AuthorID, &decision, &corrections, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Decision = domain.ProofDecision(decision)
	if err := json.Unmarshal([]byte(corrections), &p.Corrections); err != nil {
		return p, fmt.Errorf("proof response %s corrections: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) GetProofResponse(ctx context.Context, tx *sql.Tx, id string) (domain.ProofResponse, error) {
	return scanProofResponse(r.on(tx).QueryRowContext(ctx, `SELECT id,cycle_id,author_id,decision,corrections_json,created_at FROM proof_responses WHERE id=?`, id))
}

func (r Repo) ListProofResponses(ctx context.Context, cycleID string) ([]domain.ProofResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,author_id,decision,corrections_json,created_at FROM proof_responses WHERE cycle_id=? ORDER BY created_at, id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProofResponse
	for rows.Next() {
		p, err := scanProofResponse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilCorrections(c []domain.Correction) []domain.Correction {
	if c == nil {
		return []domain.Correction{}
	}
	return c
}
