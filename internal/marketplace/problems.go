package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

type CreateProblemInput struct {
	Title           string   `json:"title"`
	Body            string   `json:"body"`
	SuccessCriteria string   `json:"success_criteria"`
	Tags            []string `json:"tags"`
	BountyAmount    *float64 `json:"bounty_amount"`
	BountyCurrency  string   `json:"bounty_currency"`
}

// CreateProblem opens a new problem authored by authorID.
func (s *Service) CreateProblem(ctx context.Context, authorID string, in CreateProblemInput) (*models.Problem, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.BountyCurrency = strings.ToUpper(strings.TrimSpace(in.BountyCurrency))
	tags := normalizeTags(in.Tags)

	v := Violations{}
	lengthBetween("title", in.Title, 5, 200, v)
	lengthBetween("body", in.Body, 20, 0, v)
	maxItems("tags", len(tags), 5, v)
	for _, t := range tags {
		if len([]rune(t)) > 50 {
			v["tags"] = "each tag must be at most 50 characters"
			break
		}
	}
	if in.BountyAmount != nil && (*in.BountyAmount < 0 || math.IsNaN(*in.BountyAmount) || math.IsInf(*in.BountyAmount, 0)) {
		v["bounty_amount"] = "must be a non-negative number"
	}
	maxLength("bounty_currency", in.BountyCurrency, 10, v)
	if err := v.Err(); err != nil {
		return nil, err
	}

	author, err := s.AuthenticateUser(ctx, authorID)
	if err != nil {
		return nil, err
	}

	p := &models.Problem{
		ID:              s.newID(),
		AuthorID:        author.ID,
		Title:           in.Title,
		Body:            in.Body,
		SuccessCriteria: in.SuccessCriteria,
		Tags:            tags,
		Status:          models.ProblemOpen,
		BountyAmount:    in.BountyAmount,
		BountyCurrency:  in.BountyCurrency,
	}
	if err := s.store.CreateProblem(ctx, p); err != nil {
		return nil, fmt.Errorf("create problem: %w", err)
	}
	p.Author = &models.ProfileSummary{ID: author.ID, Username: author.Username, DisplayName: author.DisplayName}

	s.logger.Info("problem created", "problem_id", p.ID, "author_id", p.AuthorID)
	s.notify(ctx, "problem_created", func(ctx context.Context, n Notifier) error {
		return n.ProblemCreated(ctx, p)
	})
	return p, nil
}

type ListProblemsQuery struct {
	Status string
	Tag    string
	Limit  int
	Offset int
}

// ListProblems pages through problems newest first. Status defaults to open.
func (s *Service) ListProblems(ctx context.Context, q ListProblemsQuery) ([]models.Problem, error) {
	status := models.ProblemStatus(strings.ToLower(strings.TrimSpace(q.Status)))
	if status == "" {
		status = models.ProblemOpen
	}
	if !status.Valid() {
		return nil, invalidField("status", "must be one of open, solved, closed")
	}

	limit, offset := clampPage(q.Limit, q.Offset)
	problems, err := s.store.ListProblems(ctx, models.ProblemFilter{
		Status: status,
		Tag:    strings.ToLower(strings.TrimSpace(q.Tag)),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}
	return problems, nil
}

type ProblemDetail struct {
	Problem   *models.Problem   `json:"problem"`
	Solutions []models.Solution `json:"solutions"`
}

// GetProblemDetail returns the problem with its solutions, most endorsed first.
func (s *Service) GetProblemDetail(ctx context.Context, id string) (*ProblemDetail, error) {
	p, err := s.store.GetProblem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load problem: %w", err)
	}
	if p == nil {
		return nil, notFound("problem")
	}

	solutions, err := s.store.ListSolutionsByProblem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list solutions: %w", err)
	}
	return &ProblemDetail{Problem: p, Solutions: solutions}, nil
}

// AcceptSolution closes an open problem with one of its solutions. Only the
// problem's author may accept. Checks run in order: problem exists, caller is
// the author, problem is open, then the solution id. The problem and solution flip together; the
// agent's counters follow on a best-effort basis.
func (s *Service) AcceptSolution(ctx context.Context, userID, problemID, solutionID string) (*models.Problem, error) {
	p, err := s.store.GetProblem(ctx, problemID)
	if err != nil {
		return nil, fmt.Errorf("load problem: %w", err)
	}
	if p == nil {
		return nil, notFound("problem")
	}
	if p.AuthorID != userID {
		return nil, fmt.Errorf("%w: only the problem author may accept a solution", ErrForbidden)
	}
	if p.Status != models.ProblemOpen {
		return nil, fmt.Errorf("%w: problem is %s", ErrInvalidState, p.Status)
	}
	if strings.TrimSpace(solutionID) == "" {
		return nil, invalidField("solution_id", "required")
	}

	sol, err := s.store.GetSolution(ctx, solutionID)
	if err != nil {
		return nil, fmt.Errorf("load solution: %w", err)
	}
	if sol == nil || sol.ProblemID != problemID {
		return nil, notFound("solution")
	}

	at := s.now().UTC()
	if err := s.store.AcceptSolution(ctx, problemID, solutionID, at); err != nil {
		switch {
		case errors.Is(err, repository.ErrStateChanged):
			return nil, fmt.Errorf("%w: problem is no longer open", ErrInvalidState)
		case errors.Is(err, repository.ErrNotFound):
			return nil, notFound("solution")
		}
		return nil, fmt.Errorf("accept solution: %w", err)
	}

	s.adjustAgent(ctx, "accept", sol.AgentID, models.AgentCounterDelta{ProblemsSolved: 1, ReputationScore: ReputationPerAccept})

	s.logger.Info("solution accepted", "problem_id", problemID, "solution_id", solutionID, "agent_id", sol.AgentID)
	p.Status = models.ProblemSolved
	p.SolvedAt = &at
	sol.IsAccepted = true
	s.notify(ctx, "solution_accepted", func(ctx context.Context, n Notifier) error {
		return n.SolutionAccepted(ctx, p, sol)
	})
	return p, nil
}
