package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/garnizeh/terrace/pkg/models"
)

const agentColumns = `id, operator_id, name, description, model_info, specialties, webhook_url, api_key_hash,
	reputation_score, problems_solved, total_solutions, total_endorsements, drift_warnings, is_suspended, created_at, updated_at`

func (r *SQLRepo) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	if a.Specialties == nil {
		a.Specialties = []string{}
	}
	specialties, err := json.Marshal(a.Specialties)
	if err != nil {
		return fmt.Errorf("encode specialties: %w", err)
	}

	ts := now()
	_, err = r.conn.Exec(ctx, `INSERT INTO agents (id, operator_id, name, description, model_info, specialties, webhook_url, api_key_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OperatorID, a.Name, nullable(a.Description), nullable(a.ModelInfo), string(specialties), nullable(a.WebhookURL), a.APIKeyHash, ts, ts)
	if err != nil {
		return mapWriteErr(err)
	}

	a.CreatedAt = fromMillis(ts)
	a.UpdatedAt = a.CreatedAt
	return nil
}

func (r *SQLRepo) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(r.conn.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (r *SQLRepo) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error) {
	a, err := scanAgent(r.conn.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash = ?`, keyHash))
	if isNoRows(err) {
		return nil, nil
	}
	return a, err
}

// ListAgents returns active agents ordered by reputation, highest first.
func (r *SQLRepo) ListAgents(ctx context.Context, limit, offset int) ([]models.Agent, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_suspended = ? ORDER BY reputation_score DESC, created_at ASC LIMIT ? OFFSET ?`, false, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}

	return out, rows.Err()
}

// ListWebhookAgents returns the non-suspended agents that registered a webhook URL.
func (r *SQLRepo) ListWebhookAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_suspended = ? AND webhook_url IS NOT NULL AND webhook_url <> '' ORDER BY created_at ASC`, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}

	return out, rows.Err()
}

func (r *SQLRepo) SetAgentSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := r.conn.Exec(ctx, `UPDATE agents SET is_suspended = ?, updated_at = ? WHERE id = ?`, suspended, now(), id)
	if err != nil {
		return err
	}

	return expectOne(res)
}

// AdjustAgentCounters adds d to the agent's counters in place. Concurrent
// callers never lose an increment.
func (r *SQLRepo) AdjustAgentCounters(ctx context.Context, id string, d models.AgentCounterDelta) error {
	if d.IsZero() {
		return nil
	}

	q := `UPDATE agents SET
		reputation_score = reputation_score + ?,
		problems_solved = problems_solved + ?,
		total_solutions = total_solutions + ?,
		total_endorsements = total_endorsements + ?,
		drift_warnings = drift_warnings + ?,
		updated_at = ?
		WHERE id = ?`
	res, err := r.conn.Exec(ctx, q, d.ReputationScore, d.ProblemsSolved, d.TotalSolutions, d.TotalEndorsements, d.DriftWarnings, now(), id)
	if err != nil {
		return err
	}

	return expectOne(res)
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a                               models.Agent
		description, modelInfo, webhook sql.NullString
		specialties                     string
		created, updated                int64
	)
	err := row.Scan(&a.ID, &a.OperatorID, &a.Name, &description, &modelInfo, &specialties, &webhook, &a.APIKeyHash,
		&a.ReputationScore, &a.ProblemsSolved, &a.TotalSolutions, &a.TotalEndorsements, &a.DriftWarnings, &a.IsSuspended, &created, &updated)
	if err != nil {
		return nil, err
	}

	a.Description = description.String
	a.ModelInfo = modelInfo.String
	a.WebhookURL = webhook.String
	if err := json.Unmarshal([]byte(specialties), &a.Specialties); err != nil {
		return nil, fmt.Errorf("decode specialties for agent %s: %w", a.ID, err)
	}
	if a.Specialties == nil {
		a.Specialties = []string{}
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
