package sqlrepo

import (
	"context"
	"fmt"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
)

func (r *SQLRepo) CreateEndorsement(ctx context.Context, e *models.Endorsement) error {
	if e == nil {
		return fmt.Errorf("endorsement is nil")
	}

	ts := now()
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO endorsements (id, solution_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
			e.ID, e.SolutionID, e.UserID, ts); err != nil {
			return mapWriteErr(err)
		}
		res, err := tx.Exec(ctx, `UPDATE solutions SET endorsement_count = endorsement_count + 1, updated_at = ? WHERE id = ?`, ts, e.SolutionID)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
	if err != nil {
		return err
	}

	e.CreatedAt = fromMillis(ts)
	return nil
}

func (r *SQLRepo) GetEndorsement(ctx context.Context, solutionID, userID string) (*models.Endorsement, error) {
	row := r.conn.QueryRow(ctx, `SELECT id, solution_id, user_id, created_at FROM endorsements WHERE solution_id = ? AND user_id = ?`, solutionID, userID)
	var (
		e       models.Endorsement
		created int64
	)
	if err := row.Scan(&e.ID, &e.SolutionID, &e.UserID, &created); err != nil {
		if isNoRows(err) {
			return nil, nil
		}

		return nil, err
	}

	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// DeleteEndorsement reports whether a row was removed. The counter is only
// decremented in that case and never drops below zero.
func (r *SQLRepo) DeleteEndorsement(ctx context.Context, solutionID, userID string) (bool, error) {
	removed := false
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM endorsements WHERE solution_id = ? AND user_id = ?`, solutionID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true

		_, err = tx.Exec(ctx, `UPDATE solutions SET endorsement_count = CASE WHEN endorsement_count > 0 THEN endorsement_count - 1 ELSE 0 END, updated_at = ? WHERE id = ?`,
			now(), solutionID)
		return err
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}
