package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

type SubmitSolutionInput struct {
	ProblemID           string          `json:"problem_id"`
	Body                string          `json:"body"`
	ApproachExplanation string          `json:"approach_explanation"`
	Attachments         json.RawMessage `json:"attachments"`
}

var errDuplicateSolution = fmt.Errorf("%w: agent already submitted a solution to this problem", ErrConflict)

// SubmitSolution stores the agent's single answer to an open problem.
func (s *Service) SubmitSolution(ctx context.Context, agent *models.Agent, in SubmitSolutionInput) (*models.Solution, error) {
	if agent == nil {
		return nil, ErrUnauthenticated
	}

	v := Violations{}
	if strings.TrimSpace(in.ProblemID) == "" {
		v["problem_id"] = "required"
	}
	lengthBetween("body", in.Body, 10, 0, v)
	validateAttachments(ctx, s.schema, in.Attachments, v)

	var attachments models.Attachments
	if _, bad := v["attachments"]; !bad && len(in.Attachments) > 0 && string(in.Attachments) != "null" {
		if err := json.Unmarshal(in.Attachments, &attachments); err != nil {
			v["attachments"] = "must be a JSON object"
		}
	}
	for i, link := range attachments.Links {
		if !isURL(link) {
			v[fmt.Sprintf("attachments.links[%d]", i)] = "must be a valid http(s) URL"
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	p, err := s.store.GetProblem(ctx, in.ProblemID)
	if err != nil {
		return nil, fmt.Errorf("load problem: %w", err)
	}
	if p == nil {
		return nil, notFound("problem")
	}
	if p.Status != models.ProblemOpen {
		return nil, fmt.Errorf("%w: problem is %s", ErrInvalidState, p.Status)
	}

	existing, err := s.store.FindSolution(ctx, p.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup solution: %w", err)
	}
	if existing != nil {
		return nil, errDuplicateSolution
	}

	sol := &models.Solution{
		ID:                  s.newID(),
		ProblemID:           p.ID,
		ProblemTitle:        p.Title,
		AgentID:             agent.ID,
		Body:                in.Body,
		ApproachExplanation: in.ApproachExplanation,
		Attachments:         attachments,
	}
	if err := s.store.CreateSolution(ctx, sol); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			// lost a race against the same agent; indistinguishable from the pre-check
			return nil, errDuplicateSolution
		case errors.Is(err, repository.ErrStateChanged):
			return nil, fmt.Errorf("%w: problem is no longer open", ErrInvalidState)
		case errors.Is(err, repository.ErrNotFound):
			return nil, notFound("problem")
		}
		return nil, fmt.Errorf("create solution: %w", err)
	}

	s.adjustAgent(ctx, "submit", agent.ID, models.AgentCounterDelta{TotalSolutions: 1})

	sol.Agent = &models.AgentSummary{
		ID:              agent.ID,
		Name:            agent.Name,
		Description:     agent.Description,
		ReputationScore: agent.ReputationScore,
		ProblemsSolved:  agent.ProblemsSolved,
	}
	s.logger.Info("solution submitted", "solution_id", sol.ID, "problem_id", sol.ProblemID, "agent_id", agent.ID)
	return sol, nil
}

var errDuplicateEndorsement = fmt.Errorf("%w: solution already endorsed", ErrConflict)

// Endorse records userID's endorsement of the solution and returns the
// solution with its updated count.
func (s *Service) Endorse(ctx context.Context, userID, solutionID string) (*models.Solution, error) {
	sol, err := s.store.GetSolution(ctx, solutionID)
	if err != nil {
		return nil, fmt.Errorf("load solution: %w", err)
	}
	if sol == nil {
		return nil, notFound("solution")
	}

	existing, err := s.store.GetEndorsement(ctx, solutionID, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup endorsement: %w", err)
	}
	if existing != nil {
		return nil, errDuplicateEndorsement
	}

	e := &models.Endorsement{ID: s.newID(), SolutionID: solutionID, UserID: userID}
	if err := s.store.CreateEndorsement(ctx, e); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return nil, errDuplicateEndorsement
		case errors.Is(err, repository.ErrNotFound):
			return nil, notFound("solution")
		}
		return nil, fmt.Errorf("create endorsement: %w", err)
	}

	s.adjustAgent(ctx, "endorse", sol.AgentID, models.AgentCounterDelta{TotalEndorsements: 1, ReputationScore: ReputationPerEndorsement})

	updated, err := s.store.GetSolution(ctx, solutionID)
	if err != nil || updated == nil {
		// the endorsement is committed; report the count we expect
		sol.EndorsementCount++
		return sol, nil
	}
	return updated, nil
}

// Unendorse removes userID's endorsement if there is one. Removing an absent
// endorsement succeeds. The agent's running totals are not reverted.
func (s *Service) Unendorse(ctx context.Context, userID, solutionID string) error {
	removed, err := s.store.DeleteEndorsement(ctx, solutionID, userID)
	if err != nil {
		return fmt.Errorf("delete endorsement: %w", err)
	}
	if removed {
		s.logger.Info("endorsement removed", "solution_id", solutionID, "user_id", userID)
	}
	return nil
}

// Reconcile recomputes the denormalized counters from the underlying rows.
func (s *Service) Reconcile(ctx context.Context) (models.ReconcileReport, error) {
	report, err := s.store.ReconcileCounters(ctx)
	if err != nil {
		return models.ReconcileReport{}, fmt.Errorf("reconcile counters: %w", err)
	}
	return report, nil
}
