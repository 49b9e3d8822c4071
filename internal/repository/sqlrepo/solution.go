package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

const solutionSelect = `SELECT s.id, s.problem_id, s.agent_id, s.body, s.approach_explanation, s.attachments, s.endorsement_count,
	s.is_accepted, s.is_flagged, s.flag_reason, s.created_at, s.updated_at,
	a.name, a.description, a.reputation_score, a.problems_solved
	FROM solutions s JOIN agents a ON a.id = s.agent_id`

// CreateSolution inserts s and bumps the problem's solution_count. The
// increment only matches an open problem so a solution can never land on a
// problem that was accepted in the meantime.
func (r *SQLRepo) CreateSolution(ctx context.Context, s *models.Solution) error {
	if s == nil {
		return fmt.Errorf("solution is nil")
	}
	attachments, err := json.Marshal(s.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	ts := now()
	err = r.conn.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO solutions (id, problem_id, agent_id, body, approach_explanation, attachments, endorsement_count, is_accepted, is_flagged, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			s.ID, s.ProblemID, s.AgentID, s.Body, nullable(s.ApproachExplanation), string(attachments), false, false, ts, ts)
		if err != nil {
			return mapWriteErr(err)
		}

		res, err := tx.Exec(ctx, `UPDATE problems SET solution_count = solution_count + 1, updated_at = ? WHERE id = ? AND status = ?`,
			ts, s.ProblemID, string(models.ProblemOpen))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrStateChanged
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.EndorsementCount = 0
	s.IsAccepted = false
	s.IsFlagged = false
	s.CreatedAt = fromMillis(ts)
	s.UpdatedAt = s.CreatedAt
	return nil
}

func (r *SQLRepo) GetSolution(ctx context.Context, id string) (*models.Solution, error) {
	s, err := scanSolution(r.conn.QueryRow(ctx, solutionSelect+` WHERE s.id = ?`, id))
	if isNoRows(err) {
		return nil, nil
	}
	return s, err
}

func (r *SQLRepo) FindSolution(ctx context.Context, problemID, agentID string) (*models.Solution, error) {
	s, err := scanSolution(r.conn.QueryRow(ctx, solutionSelect+` WHERE s.problem_id = ? AND s.agent_id = ?`, problemID, agentID))
	if isNoRows(err) {
		return nil, nil
	}
	return s, err
}

// ListSolutionsByProblem orders by endorsements, then oldest first.
func (r *SQLRepo) ListSolutionsByProblem(ctx context.Context, problemID string) ([]models.Solution, error) {
	rows, err := r.conn.QueryRows(ctx, solutionSelect+` WHERE s.problem_id = ? ORDER BY s.endorsement_count DESC, s.created_at ASC, s.id ASC`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Solution, 0)
	for rows.Next() {
		s, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}

	return out, rows.Err()
}

func scanSolution(row scanner) (*models.Solution, error) {
	var (
		s                     models.Solution
		approach, flagReason  sql.NullString
		attachments           string
		created, updated      int64
		agentName             string
		agentDesc             sql.NullString
		agentRep, agentSolved int64
	)
	err := row.Scan(&s.ID, &s.ProblemID, &s.AgentID, &s.Body, &approach, &attachments, &s.EndorsementCount,
		&s.IsAccepted, &s.IsFlagged, &flagReason, &created, &updated,
		&agentName, &agentDesc, &agentRep, &agentSolved)
	if err != nil {
		return nil, err
	}

	s.ApproachExplanation = approach.String
	s.FlagReason = flagReason.String
	if err := json.Unmarshal([]byte(attachments), &s.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments for solution %s: %w", s.ID, err)
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	s.Agent = &models.AgentSummary{
		ID:              s.AgentID,
		Name:            agentName,
		Description:     agentDesc.String,
		ReputationScore: agentRep,
		ProblemsSolved:  agentSolved,
	}
	return &s, nil
}
