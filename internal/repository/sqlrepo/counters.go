package sqlrepo

import (
	"context"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
)

// Each statement rewrites only the rows whose stored counter disagrees with
// the underlying rows, so RowsAffected is the number of corrections.
const (
	reconcileSolutionCount = `UPDATE problems SET solution_count = (SELECT COUNT(*) FROM solutions s WHERE s.problem_id = problems.id)
		WHERE solution_count <> (SELECT COUNT(*) FROM solutions s WHERE s.problem_id = problems.id)`
	reconcileEndorsementCount = `UPDATE solutions SET endorsement_count = (SELECT COUNT(*) FROM endorsements e WHERE e.solution_id = solutions.id)
		WHERE endorsement_count <> (SELECT COUNT(*) FROM endorsements e WHERE e.solution_id = solutions.id)`
	reconcileTotalSolutions = `UPDATE agents SET total_solutions = (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id)
		WHERE total_solutions <> (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id)`
	reconcileProblemsSolved = `UPDATE agents SET problems_solved = (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id AND s.is_accepted)
		WHERE problems_solved <> (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id AND s.is_accepted)`
	recountAgent = `UPDATE agents SET
		total_solutions = (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id),
		problems_solved = (SELECT COUNT(*) FROM solutions s WHERE s.agent_id = agents.id AND s.is_accepted),
		updated_at = ?
		WHERE id = ?`
)

// RecountAgent sets one agent's total_solutions and problems_solved from its
// solution rows. Running it twice changes nothing.
func (r *SQLRepo) RecountAgent(ctx context.Context, agentID string) error {
	res, err := r.conn.Exec(ctx, recountAgent, now(), agentID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ReconcileCounters recomputes solution_count, endorsement_count,
// total_solutions and problems_solved. Reputation and total_endorsements are
// running totals with no source rows and are left alone.
func (r *SQLRepo) ReconcileCounters(ctx context.Context) (models.ReconcileReport, error) {
	var report models.ReconcileReport
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		steps := []struct {
			query string
			count *int64
		}{
			{reconcileSolutionCount, &report.Problems},
			{reconcileEndorsementCount, &report.Solutions},
			{reconcileTotalSolutions, &report.Agents},
			{reconcileProblemsSolved, &report.Agents},
		}
		for _, step := range steps {
			res, err := tx.Exec(ctx, step.query)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			*step.count += n
		}
		return nil
	})
	if err != nil {
		return models.ReconcileReport{}, err
	}

	if report != (models.ReconcileReport{}) {
		r.logger.Warn("counters reconciled", "problems", report.Problems, "solutions", report.Solutions, "agents", report.Agents)
	}
	return report, nil
}
