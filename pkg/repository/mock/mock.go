package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

// Store is an in-memory repository.Store for tests. It enforces the same
// uniqueness rules as the SQL schema.
type Store struct {
	mu sync.Mutex

	profiles     map[string]*models.Profile
	accounts     map[string]*models.Account // by email
	agents       map[string]*models.Agent
	problems     map[string]*models.Problem
	solutions    map[string]*models.Solution
	endorsements map[string]*models.Endorsement // by solution|user
	drift        []models.DriftEvent

	// AdjustErr is returned by AdjustAgentCounters when set.
	AdjustErr error
	// HideExisting makes FindSolution and GetEndorsement report nothing so
	// callers fall through to the uniqueness checks of the writes.
	HideExisting bool
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		profiles:     map[string]*models.Profile{},
		accounts:     map[string]*models.Account{},
		agents:       map[string]*models.Agent{},
		problems:     map[string]*models.Problem{},
		solutions:    map[string]*models.Solution{},
		endorsements: map[string]*models.Endorsement{},
	}
}

func endorsementKey(solutionID, userID string) string {
	return solutionID + "|" + userID
}

func (s *Store) CreateAccount(ctx context.Context, p *models.Profile, a *models.Account) error {
	if p == nil || a == nil {
		return fmt.Errorf("profile or account is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Email]; ok {
		return repository.ErrDuplicate
	}
	for _, existing := range s.profiles {
		if existing.Username == p.Username || existing.ID == p.ID {
			return repository.ErrDuplicate
		}
	}

	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	a.ProfileID = p.ID
	a.CreatedAt = now
	cp, ca := *p, *a
	s.profiles[p.ID] = &cp
	s.accounts[a.Email] = &ca
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Username == username {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[email]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) MarkOperator(ctx context.Context, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return repository.ErrNotFound
	}
	p.IsOperator = true
	return nil
}

func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.APIKeyHash == a.APIKeyHash || existing.ID == a.ID {
			return repository.ErrDuplicate
		}
	}
	if a.Specialties == nil {
		a.Specialties = []string{}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.APIKeyHash == keyHash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListAgents(ctx context.Context, limit, offset int) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if !a.IsSuspended {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReputationScore != out[j].ReputationScore {
			return out[i].ReputationScore > out[j].ReputationScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (s *Store) ListWebhookAgents(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Agent, 0)
	for _, a := range s.agents {
		if !a.IsSuspended && a.WebhookURL != "" {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetAgentSuspended(ctx context.Context, id string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsSuspended = suspended
	return nil
}

func (s *Store) AdjustAgentCounters(ctx context.Context, id string, d models.AgentCounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AdjustErr != nil {
		return s.AdjustErr
	}
	a, ok := s.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.ReputationScore += d.ReputationScore
	a.ProblemsSolved += d.ProblemsSolved
	a.TotalSolutions += d.TotalSolutions
	a.TotalEndorsements += d.TotalEndorsements
	a.DriftWarnings += d.DriftWarnings
	return nil
}

func (s *Store) CreateProblem(ctx context.Context, p *models.Problem) error {
	if p == nil {
		return fmt.Errorf("problem is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.problems[p.ID]; ok {
		return repository.ErrDuplicate
	}
	if p.Status == "" {
		p.Status = models.ProblemOpen
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	s.problems[p.ID] = &cp
	return nil
}

func (s *Store) GetProblem(ctx context.Context, id string) (*models.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[id]
	if !ok {
		return nil, nil
	}
	out := s.problemView(p)
	return &out, nil
}

func (s *Store) ListProblems(ctx context.Context, f models.ProblemFilter) ([]models.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Problem, 0)
	for _, p := range s.problems {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Tag != "" && !contains(p.Tags, f.Tag) {
			continue
		}
		out = append(out, s.problemView(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) AcceptSolution(ctx context.Context, problemID, solutionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[problemID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != models.ProblemOpen {
		return repository.ErrStateChanged
	}
	sol, ok := s.solutions[solutionID]
	if !ok || sol.ProblemID != problemID {
		return repository.ErrNotFound
	}
	solvedAt := at.UTC()
	p.Status = models.ProblemSolved
	p.SolvedAt = &solvedAt
	sol.IsAccepted = true
	return nil
}

func (s *Store) CreateSolution(ctx context.Context, sol *models.Solution) error {
	if sol == nil {
		return fmt.Errorf("solution is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.solutions {
		if existing.ID == sol.ID || (existing.ProblemID == sol.ProblemID && existing.AgentID == sol.AgentID) {
			return repository.ErrDuplicate
		}
	}
	p, ok := s.problems[sol.ProblemID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != models.ProblemOpen {
		return repository.ErrStateChanged
	}
	now := time.Now().UTC()
	sol.CreatedAt, sol.UpdatedAt = now, now
	sol.EndorsementCount = 0
	cp := *sol
	s.solutions[sol.ID] = &cp
	p.SolutionCount++
	return nil
}

func (s *Store) GetSolution(ctx context.Context, id string) (*models.Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.solutions[id]
	if !ok {
		return nil, nil
	}
	out := s.solutionView(sol)
	return &out, nil
}

func (s *Store) FindSolution(ctx context.Context, problemID, agentID string) (*models.Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HideExisting {
		return nil, nil
	}
	for _, sol := range s.solutions {
		if sol.ProblemID == problemID && sol.AgentID == agentID {
			out := s.solutionView(sol)
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListSolutionsByProblem(ctx context.Context, problemID string) ([]models.Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Solution, 0)
	for _, sol := range s.solutions {
		if sol.ProblemID == problemID {
			out = append(out, s.solutionView(sol))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EndorsementCount != out[j].EndorsementCount {
			return out[i].EndorsementCount > out[j].EndorsementCount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateEndorsement(ctx context.Context, e *models.Endorsement) error {
	if e == nil {
		return fmt.Errorf("endorsement is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := endorsementKey(e.SolutionID, e.UserID)
	if _, ok := s.endorsements[key]; ok {
		return repository.ErrDuplicate
	}
	sol, ok := s.solutions[e.SolutionID]
	if !ok {
		return repository.ErrNotFound
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.endorsements[key] = &cp
	sol.EndorsementCount++
	return nil
}

func (s *Store) GetEndorsement(ctx context.Context, solutionID, userID string) (*models.Endorsement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HideExisting {
		return nil, nil
	}
	if e, ok := s.endorsements[endorsementKey(solutionID, userID)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) DeleteEndorsement(ctx context.Context, solutionID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := endorsementKey(solutionID, userID)
	if _, ok := s.endorsements[key]; !ok {
		return false, nil
	}
	delete(s.endorsements, key)
	if sol, ok := s.solutions[solutionID]; ok && sol.EndorsementCount > 0 {
		sol.EndorsementCount--
	}
	return true, nil
}

func (s *Store) RecordDriftEvent(ctx context.Context, ev *models.DriftEvent, reason string) error {
	if ev == nil {
		return fmt.Errorf("drift event is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.solutions[ev.SolutionID]
	if !ok || sol.AgentID != ev.AgentID {
		return repository.ErrNotFound
	}
	agent, ok := s.agents[ev.AgentID]
	if !ok {
		return repository.ErrNotFound
	}
	ev.CreatedAt = time.Now().UTC()
	sol.IsFlagged = true
	sol.FlagReason = reason
	agent.DriftWarnings++
	s.drift = append(s.drift, *ev)
	return nil
}

func (s *Store) ListDriftEvents(ctx context.Context, agentID string) ([]models.DriftEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DriftEvent, 0)
	for i := len(s.drift) - 1; i >= 0; i-- {
		if s.drift[i].AgentID == agentID {
			out = append(out, s.drift[i])
		}
	}
	return out, nil
}

func (s *Store) ReconcileCounters(ctx context.Context) (models.ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report models.ReconcileReport

	solutionCounts := map[string]int64{}
	agentSolutions := map[string]int64{}
	agentSolved := map[string]int64{}
	for _, sol := range s.solutions {
		solutionCounts[sol.ProblemID]++
		agentSolutions[sol.AgentID]++
		if sol.IsAccepted {
			agentSolved[sol.AgentID]++
		}
	}
	endorsementCounts := map[string]int64{}
	for _, e := range s.endorsements {
		endorsementCounts[e.SolutionID]++
	}

	for id, p := range s.problems {
		if p.SolutionCount != solutionCounts[id] {
			p.SolutionCount = solutionCounts[id]
			report.Problems++
		}
	}
	for id, sol := range s.solutions {
		if sol.EndorsementCount != endorsementCounts[id] {
			sol.EndorsementCount = endorsementCounts[id]
			report.Solutions++
		}
	}
	for id, a := range s.agents {
		if a.TotalSolutions != agentSolutions[id] {
			a.TotalSolutions = agentSolutions[id]
			report.Agents++
		}
		if a.ProblemsSolved != agentSolved[id] {
			a.ProblemsSolved = agentSolved[id]
			report.Agents++
		}
	}
	return report, nil
}

func (s *Store) RecountAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return repository.ErrNotFound
	}
	var total, solved int64
	for _, sol := range s.solutions {
		if sol.AgentID != agentID {
			continue
		}
		total++
		if sol.IsAccepted {
			solved++
		}
	}
	a.TotalSolutions, a.ProblemsSolved = total, solved
	return nil
}

// Corrupt lets tests skew a stored counter to exercise reconciliation.
func (s *Store) Corrupt(fn func(problems map[string]*models.Problem, solutions map[string]*models.Solution, agents map[string]*models.Agent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.problems, s.solutions, s.agents)
}

// problemView copies p and attaches the author summary. Caller holds mu.
func (s *Store) problemView(p *models.Problem) models.Problem {
	out := *p
	out.Tags = append([]string{}, p.Tags...)
	if author, ok := s.profiles[p.AuthorID]; ok {
		out.Author = &models.ProfileSummary{ID: author.ID, Username: author.Username, DisplayName: author.DisplayName}
	}
	return out
}

// solutionView copies sol and attaches the agent summary. Caller holds mu.
func (s *Store) solutionView(sol *models.Solution) models.Solution {
	out := *sol
	if a, ok := s.agents[sol.AgentID]; ok {
		out.Agent = &models.AgentSummary{ID: a.ID, Name: a.Name, Description: a.Description, ReputationScore: a.ReputationScore, ProblemsSolved: a.ProblemsSolved}
	}
	return out
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return in[:0]
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
