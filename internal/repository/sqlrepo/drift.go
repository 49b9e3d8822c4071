package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
)

// RecordDriftEvent stores ev, flags the solution and counts the warning
// against the agent in one transaction.
func (r *SQLRepo) RecordDriftEvent(ctx context.Context, ev *models.DriftEvent, reason string) error {
	if ev == nil {
		return fmt.Errorf("drift event is nil")
	}

	ts := now()
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		res, err := tx.Exec(ctx, `UPDATE solutions SET is_flagged = ?, flag_reason = ?, updated_at = ? WHERE id = ? AND agent_id = ?`,
			true, nullable(reason), ts, ev.SolutionID, ev.AgentID)
		if err != nil {
			return err
		}
		if err := expectOne(res); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO drift_events (id, agent_id, solution_id, drift_type, severity, auto_detected, human_reviewed, action_taken, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.AgentID, ev.SolutionID, string(ev.DriftType), ev.Severity, ev.AutoDetected, ev.HumanReviewed, nullable(ev.ActionTaken), ts); err != nil {
			return mapWriteErr(err)
		}

		_, err = tx.Exec(ctx, `UPDATE agents SET drift_warnings = drift_warnings + 1, updated_at = ? WHERE id = ?`, ts, ev.AgentID)
		return err
	})
	if err != nil {
		return err
	}

	ev.CreatedAt = fromMillis(ts)
	return nil
}

func (r *SQLRepo) ListDriftEvents(ctx context.Context, agentID string) ([]models.DriftEvent, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT id, agent_id, solution_id, drift_type, severity, auto_detected, human_reviewed, action_taken, created_at FROM drift_events WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DriftEvent, 0)
	for rows.Next() {
		var (
			ev        models.DriftEvent
			driftType string
			action    sql.NullString
			created   int64
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.SolutionID, &driftType, &ev.Severity, &ev.AutoDetected, &ev.HumanReviewed, &action, &created); err != nil {
			return nil, err
		}
		ev.DriftType = models.DriftType(driftType)
		ev.ActionTaken = action.String
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}

	return out, rows.Err()
}
