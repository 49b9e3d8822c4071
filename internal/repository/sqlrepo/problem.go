package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

const problemSelect = `SELECT p.id, p.author_id, p.title, p.body, p.success_criteria, p.status, p.bounty_amount, p.bounty_currency,
	p.solution_count, p.created_at, p.updated_at, p.solved_at, a.username, a.display_name
	FROM problems p JOIN profiles a ON a.id = p.author_id`

func (r *SQLRepo) CreateProblem(ctx context.Context, p *models.Problem) error {
	if p == nil {
		return fmt.Errorf("problem is nil")
	}
	if p.Status == "" {
		p.Status = models.ProblemOpen
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	var bounty any
	if p.BountyAmount != nil {
		bounty = *p.BountyAmount
	}

	ts := now()
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO problems (id, author_id, title, body, success_criteria, status, bounty_amount, bounty_currency, solution_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.AuthorID, p.Title, p.Body, nullable(p.SuccessCriteria), string(p.Status), bounty, nullable(p.BountyCurrency), ts, ts)
		if err != nil {
			return mapWriteErr(err)
		}
		for _, tag := range p.Tags {
			if _, err := tx.Exec(ctx, `INSERT INTO problem_tags (problem_id, tag) VALUES (?, ?)`, p.ID, tag); err != nil {
				return mapWriteErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.SolutionCount = 0
	p.CreatedAt = fromMillis(ts)
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (r *SQLRepo) GetProblem(ctx context.Context, id string) (*models.Problem, error) {
	p, err := scanProblem(r.conn.QueryRow(ctx, problemSelect+` WHERE p.id = ?`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}

		return nil, err
	}

	tags, err := r.tagsFor(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Tags = tags[p.ID]
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p, nil
}

// ListProblems returns problems newest first, filtered by status and tag.
func (r *SQLRepo) ListProblems(ctx context.Context, f models.ProblemFilter) ([]models.Problem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, `p.status = ?`)
		args = append(args, string(f.Status))
	}
	if f.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM problem_tags t WHERE t.problem_id = p.id AND t.tag = ?)`)
		args = append(args, f.Tag)
	}

	q := problemSelect
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY p.created_at DESC, p.id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Problem, 0)
	ids := make([]string, 0)
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	tags, err := r.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = tags[out[i].ID]
		if out[i].Tags == nil {
			out[i].Tags = []string{}
		}
	}

	return out, nil
}

// AcceptSolution flips the problem from open to solved and marks the
// solution accepted. Both writes commit together or not at all.
func (r *SQLRepo) AcceptSolution(ctx context.Context, problemID, solutionID string, at time.Time) error {
	ts := at.UTC().UnixMilli()
	return r.conn.WithTx(ctx, func(tx *db.Tx) error {
		res, err := tx.Exec(ctx, `UPDATE problems SET status = ?, solved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(models.ProblemSolved), ts, ts, problemID, string(models.ProblemOpen))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM problems WHERE id = ?`, problemID).Scan(&status); err != nil {
				if isNoRows(err) {
					return repository.ErrNotFound
				}
				return err
			}
			return repository.ErrStateChanged
		}

		res, err = tx.Exec(ctx, `UPDATE solutions SET is_accepted = ?, updated_at = ? WHERE id = ? AND problem_id = ?`, true, ts, solutionID, problemID)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return repository.ErrStateChanged
			}
			return err
		}
		return expectOne(res)
	})
}

// tagsFor loads the tags of the given problems keyed by problem id.
func (r *SQLRepo) tagsFor(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.conn.QueryRows(ctx, `SELECT problem_id, tag FROM problem_tags WHERE problem_id IN (`+placeholders(len(ids))+`) ORDER BY problem_id, tag`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		out[id] = append(out[id], tag)
	}

	return out, rows.Err()
}

func scanProblem(row scanner) (*models.Problem, error) {
	var (
		p                         models.Problem
		criteria, currency        sql.NullString
		status                    string
		bounty                    sql.NullFloat64
		created, updated          int64
		solvedAt                  sql.NullInt64
		authorName, authorDisplay sql.NullString
	)
	err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Body, &criteria, &status, &bounty, &currency,
		&p.SolutionCount, &created, &updated, &solvedAt, &authorName, &authorDisplay)
	if err != nil {
		return nil, err
	}

	p.SuccessCriteria = criteria.String
	p.BountyCurrency = currency.String
	p.Status = models.ProblemStatus(status)
	if bounty.Valid {
		v := bounty.Float64
		p.BountyAmount = &v
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	if solvedAt.Valid {
		t := fromMillis(solvedAt.Int64)
		p.SolvedAt = &t
	}
	p.Author = &models.ProfileSummary{ID: p.AuthorID, Username: authorName.String, DisplayName: authorDisplay.String}
	return &p, nil
}
