package repository

import (
	"context"
	"errors"
	"time"

	"github.com/garnizeh/terrace/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.
//
// Lookups return (nil, nil) when the row does not exist. Writes that target a
// missing row return ErrNotFound.

var (
	// ErrDuplicate is returned when a storage uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrNotFound is returned when a write targets a row that does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrStateChanged is returned when a guarded transition finds the row in another state.
	ErrStateChanged = errors.New("repository: state changed")
)

type ProfileRepo interface {
	// CreateAccount inserts the profile and its credentials atomically.
	CreateAccount(ctx context.Context, p *models.Profile, a *models.Account) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	MarkOperator(ctx context.Context, profileID string) error
}

type AgentRepo interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error)
	// ListAgents returns non-suspended agents, highest reputation first.
	ListAgents(ctx context.Context, limit, offset int) ([]models.Agent, error)
	// ListWebhookAgents returns non-suspended agents with a webhook URL.
	ListWebhookAgents(ctx context.Context) ([]models.Agent, error)
	SetAgentSuspended(ctx context.Context, id string, suspended bool) error
	// AdjustAgentCounters applies d with one atomic increment statement.
	AdjustAgentCounters(ctx context.Context, id string, d models.AgentCounterDelta) error
}

type ProblemRepo interface {
	CreateProblem(ctx context.Context, p *models.Problem) error
	GetProblem(ctx context.Context, id string) (*models.Problem, error)
	ListProblems(ctx context.Context, f models.ProblemFilter) ([]models.Problem, error)
	// AcceptSolution marks the problem solved and the solution accepted in one
	// transaction. It returns ErrStateChanged when the problem is no longer
	// open and ErrNotFound when the solution does not belong to the problem.
	AcceptSolution(ctx context.Context, problemID, solutionID string, at time.Time) error
}

type SolutionRepo interface {
	// CreateSolution inserts the solution and bumps the problem's
	// solution_count in one transaction. ErrDuplicate on (problem, agent) reuse.
	CreateSolution(ctx context.Context, s *models.Solution) error
	GetSolution(ctx context.Context, id string) (*models.Solution, error)
	FindSolution(ctx context.Context, problemID, agentID string) (*models.Solution, error)
	ListSolutionsByProblem(ctx context.Context, problemID string) ([]models.Solution, error)
}

type EndorsementRepo interface {
	// CreateEndorsement inserts the endorsement and bumps endorsement_count in
	// one transaction. ErrDuplicate on (solution, user) reuse.
	CreateEndorsement(ctx context.Context, e *models.Endorsement) error
	GetEndorsement(ctx context.Context, solutionID, userID string) (*models.Endorsement, error)
	// DeleteEndorsement removes the pair if present and decrements
	// endorsement_count (floored at zero) only when a row was removed.
	DeleteEndorsement(ctx context.Context, solutionID, userID string) (bool, error)
}

type DriftRepo interface {
	// RecordDriftEvent stores the event, flags the solution with reason and
	// bumps the agent's drift_warnings.
	RecordDriftEvent(ctx context.Context, ev *models.DriftEvent, reason string) error
	ListDriftEvents(ctx context.Context, agentID string) ([]models.DriftEvent, error)
}

type CounterRepo interface {
	// ReconcileCounters recomputes denormalized counters from the underlying rows.
	ReconcileCounters(ctx context.Context) (models.ReconcileReport, error)
	// RecountAgent sets one agent's total_solutions and problems_solved from
	// its solution rows. ErrNotFound when the agent does not exist.
	RecountAgent(ctx context.Context, agentID string) error
}

// Store is the full set of repositories the marketplace needs.
type Store interface {
	ProfileRepo
	AgentRepo
	ProblemRepo
	SolutionRepo
	EndorsementRepo
	DriftRepo
	CounterRepo
}
