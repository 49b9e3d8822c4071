package marketplace_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	migrations "github.com/garnizeh/terrace/db"
	dbpkg "github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/internal/repository/sqlrepo"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
	"github.com/garnizeh/terrace/pkg/repository/mock"
)

type recordedFollowUp struct {
	agentID string
	delta   models.AgentCounterDelta
}

type fakeFollowUps struct {
	mu    sync.Mutex
	items []recordedFollowUp
}

func (f *fakeFollowUps) EnqueueCounterAdjust(ctx context.Context, agentID string, d models.AgentCounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, recordedFollowUp{agentID: agentID, delta: d})
	return nil
}

type fixture struct {
	svc       *marketplace.Service
	store     repository.Store
	followUps *fakeFollowUps
}

func newFixture(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	f := &fixture{store: store, followUps: &fakeFollowUps{}}
	f.svc = marketplace.NewService(store, marketplace.WithFollowUps(f.followUps), marketplace.WithBcryptCost(bcrypt.MinCost))
	return f
}

func newSQLStore(t *testing.T) repository.Store {
	t.Helper()
	ctx := context.Background()
	d, err := dbpkg.New(ctx, dbpkg.DriverSQLite, filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, dbpkg.Migrate(ctx, d, migrations.Migrations, migrations.MigrationsDir))
	return sqlrepo.New(d, nil)
}

func (f *fixture) signup(t *testing.T, username string) *models.Profile {
	t.Helper()
	p, _, err := f.svc.Signup(context.Background(), marketplace.SignupInput{
		Email:    username + "@example.com",
		Password: "secret123",
		Username: username,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) agent(t *testing.T, operatorID, name string) (*models.Agent, string) {
	t.Helper()
	reg, err := f.svc.RegisterAgent(context.Background(), operatorID, marketplace.RegisterAgentInput{Name: name})
	require.NoError(t, err)
	return reg.Agent, reg.APIKey
}

func (f *fixture) problem(t *testing.T, authorID string) *models.Problem {
	t.Helper()
	p, err := f.svc.CreateProblem(context.Background(), authorID, marketplace.CreateProblemInput{
		Title: "Fix my bug here",
		Body:  strings.Repeat("b", 25),
	})
	require.NoError(t, err)
	return p
}

func TestProblemLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	agent, _ := f.agent(t, op.ID, "solver")

	p := f.problem(t, author.ID)
	assert.Equal(t, models.ProblemOpen, p.Status)
	assert.EqualValues(t, 0, p.SolutionCount)

	_, err := f.svc.SubmitSolution(ctx, agent, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: strings.Repeat("x", 9)})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "body")

	sol, err := f.svc.SubmitSolution(ctx, agent, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: strings.Repeat("x", 10)})
	require.NoError(t, err)
	assert.Equal(t, p.Title, sol.ProblemTitle)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, detail.Problem.SolutionCount)
	require.Len(t, detail.Solutions, 1)

	accepted, err := f.svc.AcceptSolution(ctx, author.ID, p.ID, sol.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProblemSolved, accepted.Status)
	assert.NotNil(t, accepted.SolvedAt)

	detail, err = f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProblemSolved, detail.Problem.Status)
	require.NotNil(t, detail.Problem.SolvedAt)
	assert.True(t, detail.Solutions[0].IsAccepted)

	_, err = f.svc.AcceptSolution(ctx, author.ID, p.ID, sol.ID)
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)
	assert.Equal(t, marketplace.KindInvalidState, marketplace.Kind(err))

	got, err := f.svc.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalSolutions)
	assert.EqualValues(t, 1, got.ProblemsSolved)
	assert.EqualValues(t, marketplace.ReputationPerAccept, got.ReputationScore)
}

func TestAcceptRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	stranger := f.signup(t, "stranger")
	op := f.signup(t, "operator")
	agent, _ := f.agent(t, op.ID, "solver")
	p := f.problem(t, author.ID)
	other := f.problem(t, author.ID)

	sol, err := f.svc.SubmitSolution(ctx, agent, marketplace.SubmitSolutionInput{ProblemID: other.ID, Body: "a valid solution"})
	require.NoError(t, err)

	cases := []struct {
		name       string
		userID     string
		problemID  string
		solutionID string
		want       error
	}{
		{"missing solution id", author.ID, p.ID, "", marketplace.ErrValidation},
		{"missing problem", author.ID, "missing", sol.ID, marketplace.ErrNotFound},
		{"missing problem before solution id", stranger.ID, "missing", "", marketplace.ErrNotFound},
		{"not the author", stranger.ID, other.ID, sol.ID, marketplace.ErrForbidden},
		{"not the author before solution id", stranger.ID, p.ID, "", marketplace.ErrForbidden},
		{"solution of another problem", author.ID, p.ID, sol.ID, marketplace.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AcceptSolution(ctx, tc.userID, tc.problemID, tc.solutionID)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	own, err := f.svc.SubmitSolution(ctx, agent, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "a valid solution"})
	require.NoError(t, err)
	_, err = f.svc.AcceptSolution(ctx, author.ID, p.ID, own.ID)
	require.NoError(t, err)
	_, err = f.svc.AcceptSolution(ctx, author.ID, p.ID, "")
	assert.ErrorIs(t, err, marketplace.ErrInvalidState, "state is checked before the solution id")
}

func TestSubmitDuplicateScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	b, _ := f.agent(t, op.ID, "agent-b")
	p := f.problem(t, author.ID)

	in := marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "first answer here"}
	_, err := f.svc.SubmitSolution(ctx, a, in)
	require.NoError(t, err)

	_, err = f.svc.SubmitSolution(ctx, a, in)
	assert.ErrorIs(t, err, marketplace.ErrConflict)

	_, err = f.svc.SubmitSolution(ctx, b, in)
	require.NoError(t, err)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, detail.Problem.SolutionCount)
	assert.Len(t, detail.Solutions, 2)
}

func TestSubmitLostRaceIsConflict(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	f := newFixture(t, store)
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)

	in := marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "first answer here"}
	_, err := f.svc.SubmitSolution(ctx, a, in)
	require.NoError(t, err)

	// the pre-check misses; the storage constraint must still win
	store.HideExisting = true
	_, raced := f.svc.SubmitSolution(ctx, a, in)
	store.HideExisting = false
	_, checked := f.svc.SubmitSolution(ctx, a, in)

	require.ErrorIs(t, raced, marketplace.ErrConflict)
	require.ErrorIs(t, checked, marketplace.ErrConflict)
	assert.Equal(t, checked.Error(), raced.Error())
}

func TestConcurrentSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newSQLStore(t))
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "racing answer"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, marketplace.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, conflicts)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, detail.Problem.SolutionCount)
	assert.Len(t, detail.Solutions, 1)
}

func TestSubmitRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)

	_, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: "missing", Body: "long enough body"})
	assert.ErrorIs(t, err, marketplace.ErrNotFound)

	_, err = f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{
		ProblemID:   p.ID,
		Body:        "long enough body",
		Attachments: json.RawMessage(`{"links": ["https://ok.example.com", "not a url"]}`),
	})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "attachments.links[1]")

	_, err = f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{
		ProblemID:   p.ID,
		Body:        "long enough body",
		Attachments: json.RawMessage(`{"code_blocks": [{"filename": "main.go"}]}`),
	})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "attachments")

	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{
		ProblemID:   p.ID,
		Body:        "long enough body",
		Attachments: json.RawMessage(`{"code_blocks": [{"language": "go", "content": "package main", "filename": "main.go"}], "links": ["https://go.dev"]}`),
	})
	require.NoError(t, err)
	require.Len(t, sol.Attachments.CodeBlocks, 1)
	assert.Equal(t, "main.go", sol.Attachments.CodeBlocks[0].Filename)
	assert.Equal(t, []string{"https://go.dev"}, sol.Attachments.Links)
}

func TestSubmitToSolvedProblem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	b, _ := f.agent(t, op.ID, "agent-b")
	p := f.problem(t, author.ID)

	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)
	_, err = f.svc.AcceptSolution(ctx, author.ID, p.ID, sol.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitSolution(ctx, b, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)
}

func TestEndorsementLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	voter := f.signup(t, "voter")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)
	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)

	_, err = f.svc.Endorse(ctx, voter.ID, "missing")
	assert.ErrorIs(t, err, marketplace.ErrNotFound)

	// unendorse with nothing to remove is a no-op
	require.NoError(t, f.svc.Unendorse(ctx, voter.ID, sol.ID))

	updated, err := f.svc.Endorse(ctx, voter.ID, sol.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.EndorsementCount)

	_, err = f.svc.Endorse(ctx, voter.ID, sol.ID)
	assert.ErrorIs(t, err, marketplace.ErrConflict)

	require.NoError(t, f.svc.Unendorse(ctx, voter.ID, sol.ID))
	require.NoError(t, f.svc.Unendorse(ctx, voter.ID, sol.ID))

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, detail.Solutions[0].EndorsementCount)

	got, err := f.svc.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalEndorsements)
	assert.EqualValues(t, marketplace.ReputationPerEndorsement, got.ReputationScore)
}

func TestEndorseLostRaceIsConflict(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	f := newFixture(t, store)
	author := f.signup(t, "author")
	voter := f.signup(t, "voter")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)
	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)

	_, err = f.svc.Endorse(ctx, voter.ID, sol.ID)
	require.NoError(t, err)

	store.HideExisting = true
	_, err = f.svc.Endorse(ctx, voter.ID, sol.ID)
	assert.ErrorIs(t, err, marketplace.ErrConflict)
}

func TestCounterFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	f := newFixture(t, store)
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)

	store.AdjustErr = errors.New("counter store down")
	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)
	_, err = f.svc.AcceptSolution(ctx, author.ID, p.ID, sol.ID)
	require.NoError(t, err)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProblemSolved, detail.Problem.Status, "primary transition survives counter failure")
	assert.EqualValues(t, 1, detail.Problem.SolutionCount)

	require.Len(t, f.followUps.items, 2)
	assert.Equal(t, a.ID, f.followUps.items[0].agentID)
	assert.Equal(t, models.AgentCounterDelta{TotalSolutions: 1}, f.followUps.items[0].delta)
	assert.Equal(t, models.AgentCounterDelta{ProblemsSolved: 1, ReputationScore: marketplace.ReputationPerAccept}, f.followUps.items[1].delta)
}

func TestRegisterAgentScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	op := f.signup(t, "operator")

	_, err := f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: "a"})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "name")

	_, err = f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: strings.Repeat("n", 51)})
	require.ErrorIs(t, err, marketplace.ErrValidation)

	_, err = f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: "hooked", WebhookURL: "ftp://nope"})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "webhook_url")

	_, err = f.svc.RegisterAgent(ctx, "ghost", marketplace.RegisterAgentInput{Name: "orphan"})
	assert.ErrorIs(t, err, marketplace.ErrUnauthenticated)

	reg, err := f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: "solver", Specialties: []string{"go", " "}})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^oct_[0-9a-f]{64}$`), reg.APIKey)
	assert.Equal(t, []string{"go"}, reg.Agent.Specialties)
	assert.NotContains(t, reg.Agent.APIKeyHash, reg.APIKey)

	who, err := f.svc.AuthenticateAgent(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, who.ID)
	who, err = f.svc.AuthenticateAgent(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, who.ID)

	operator, err := f.svc.AuthenticateUser(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, operator.IsOperator)
}

func TestAuthenticateAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	op := f.signup(t, "operator")
	agent, key := f.agent(t, op.ID, "solver")

	for _, bad := range []string{"", "oct_123", "nope_" + strings.Repeat("a", 64), "oct_" + strings.Repeat("b", 64)} {
		_, err := f.svc.AuthenticateAgent(ctx, bad)
		assert.ErrorIs(t, err, marketplace.ErrUnauthenticated, bad)
	}

	require.NoError(t, f.svc.SetSuspended(ctx, agent.ID, true))
	_, err := f.svc.AuthenticateAgent(ctx, key)
	assert.ErrorIs(t, err, marketplace.ErrUnauthenticated)

	require.NoError(t, f.svc.SetSuspended(ctx, agent.ID, false))
	_, err = f.svc.AuthenticateAgent(ctx, key)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.SetSuspended(ctx, "missing", true), marketplace.ErrNotFound)
}

func TestSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())

	_, _, err := f.svc.Signup(ctx, marketplace.SignupInput{Email: "bad", Password: "123", Username: "no spaces"})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	fields := marketplace.ValidationFields(err)
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")
	assert.Contains(t, fields, "username")

	p, _, err := f.svc.Signup(ctx, marketplace.SignupInput{Email: "Alice@Example.com", Password: "secret1", Username: "alice_1", DisplayName: "Alice"})
	require.NoError(t, err)

	_, _, err = f.svc.Signup(ctx, marketplace.SignupInput{Email: "other@example.com", Password: "secret1", Username: "alice_1"})
	assert.ErrorIs(t, err, marketplace.ErrConflict)
	_, _, err = f.svc.Signup(ctx, marketplace.SignupInput{Email: "alice@example.com", Password: "secret1", Username: "alice_2"})
	assert.ErrorIs(t, err, marketplace.ErrConflict)

	got, acc, err := f.svc.Login(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "alice@example.com", acc.Email)

	_, _, err = f.svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, marketplace.ErrUnauthenticated)
	_, _, err = f.svc.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, marketplace.ErrUnauthenticated)
}

func TestCreateProblemValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	negative := -1.0

	cases := []struct {
		name  string
		in    marketplace.CreateProblemInput
		field string
	}{
		{"short title", marketplace.CreateProblemInput{Title: "abcd", Body: strings.Repeat("b", 20)}, "title"},
		{"long title", marketplace.CreateProblemInput{Title: strings.Repeat("t", 201), Body: strings.Repeat("b", 20)}, "title"},
		{"short body", marketplace.CreateProblemInput{Title: "A fine title", Body: strings.Repeat("b", 19)}, "body"},
		{"too many tags", marketplace.CreateProblemInput{Title: "A fine title", Body: strings.Repeat("b", 20), Tags: []string{"a", "b", "c", "d", "e", "f"}}, "tags"},
		{"negative bounty", marketplace.CreateProblemInput{Title: "A fine title", Body: strings.Repeat("b", 20), BountyAmount: &negative}, "bounty_amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateProblem(ctx, author.ID, tc.in)
			require.ErrorIs(t, err, marketplace.ErrValidation)
			assert.Contains(t, marketplace.ValidationFields(err), tc.field)
		})
	}

	// duplicates collapse before the limit applies
	p, err := f.svc.CreateProblem(ctx, author.ID, marketplace.CreateProblemInput{
		Title: "A fine title",
		Body:  strings.Repeat("b", 20),
		Tags:  []string{"Go", "go", "sql", "http", "json", "yaml"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sql", "http", "json", "yaml"}, p.Tags)

	_, err = f.svc.CreateProblem(ctx, "ghost", marketplace.CreateProblemInput{Title: "A fine title", Body: strings.Repeat("b", 20)})
	assert.ErrorIs(t, err, marketplace.ErrUnauthenticated)
}

func TestListProblems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	for range 3 {
		f.problem(t, author.ID)
	}

	_, err := f.svc.ListProblems(ctx, marketplace.ListProblemsQuery{Status: "archived"})
	assert.ErrorIs(t, err, marketplace.ErrValidation)

	list, err := f.svc.ListProblems(ctx, marketplace.ListProblemsQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = f.svc.ListProblems(ctx, marketplace.ListProblemsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListProblems(ctx, marketplace.ListProblemsQuery{Status: "solved"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecordDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)
	sol, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)

	_, err = f.svc.RecordDrift(ctx, marketplace.DriftInput{AgentID: a.ID, SolutionID: sol.ID, DriftType: "rude", Severity: 9})
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Contains(t, marketplace.ValidationFields(err), "drift_type")
	assert.Contains(t, marketplace.ValidationFields(err), "severity")

	ev, err := f.svc.RecordDrift(ctx, marketplace.DriftInput{AgentID: a.ID, SolutionID: sol.ID, DriftType: models.DriftOffTopic, Severity: 3})
	require.NoError(t, err)
	assert.True(t, ev.HumanReviewed)

	got, err := f.svc.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.DriftWarnings)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, detail.Solutions[0].IsFlagged)
	assert.Equal(t, "off_topic", detail.Solutions[0].FlagReason)

	events, err := f.svc.ListDriftEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	f := newFixture(t, store)
	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	a, _ := f.agent(t, op.ID, "agent-a")
	p := f.problem(t, author.ID)
	_, err := f.svc.SubmitSolution(ctx, a, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "long enough body"})
	require.NoError(t, err)

	store.Corrupt(func(problems map[string]*models.Problem, _ map[string]*models.Solution, _ map[string]*models.Agent) {
		problems[p.ID].SolutionCount = 5
	})

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Problems)

	detail, err := f.svc.GetProblemDetail(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, detail.Problem.SolutionCount)
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		marketplace.ErrUnauthenticated:                            marketplace.KindUnauthenticated,
		marketplace.ErrForbidden:                                  marketplace.KindForbidden,
		marketplace.ErrNotFound:                                   marketplace.KindNotFound,
		&marketplace.ValidationError{Fields: map[string]string{}}: marketplace.KindValidation,
		marketplace.ErrInvalidState:                               marketplace.KindInvalidState,
		marketplace.ErrConflict:                                   marketplace.KindConflict,
		errors.New("boom"):                                        marketplace.KindInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, marketplace.Kind(err), err.Error())
	}
	assert.Equal(t, "", marketplace.Kind(nil))
}

type fakeNotifier struct {
	mu       sync.Mutex
	created  []string
	accepted []string
	err      error
}

func (n *fakeNotifier) ProblemCreated(ctx context.Context, p *models.Problem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, p.ID)
	return n.err
}

func (n *fakeNotifier) SolutionAccepted(ctx context.Context, p *models.Problem, sol *models.Solution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, p.ID+"/"+sol.ID)
	return n.err
}

func TestNotifierReceivesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	store := mock.NewStore()
	n := &fakeNotifier{err: errors.New("queue down")}
	svc := marketplace.NewService(store, marketplace.WithNotifier(n), marketplace.WithBcryptCost(bcrypt.MinCost))
	f := &fixture{svc: svc, store: store, followUps: &fakeFollowUps{}}

	author := f.signup(t, "author")
	op := f.signup(t, "operator")
	agent, _ := f.agent(t, op.ID, "solver")

	// notifier failures never reach the caller
	p := f.problem(t, author.ID)
	sol, err := svc.SubmitSolution(ctx, agent, marketplace.SubmitSolutionInput{ProblemID: p.ID, Body: "a valid solution"})
	require.NoError(t, err)

	_, err = svc.AcceptSolution(ctx, "someone-else", p.ID, sol.ID)
	require.ErrorIs(t, err, marketplace.ErrForbidden)

	_, err = svc.AcceptSolution(ctx, author.ID, p.ID, sol.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{p.ID}, n.created)
	assert.Equal(t, []string{p.ID + "/" + sol.ID}, n.accepted)
}

func TestRegisterAgentWebhookHost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mock.NewStore())
	op := f.signup(t, "operator")

	for _, hook := range []string{
		"http://169.254.169.254/latest/meta-data/",
		"http://127.0.0.1:6379/",
		"http://localhost:8080/admin",
		"http://10.0.0.5/hook",
		"http://[::1]/hook",
	} {
		_, err := f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: "hooked", WebhookURL: hook})
		require.ErrorIs(t, err, marketplace.ErrValidation, hook)
		assert.Equal(t, "must point to a public host", marketplace.ValidationFields(err)["webhook_url"], hook)
	}

	reg, err := f.svc.RegisterAgent(ctx, op.ID, marketplace.RegisterAgentInput{Name: "hooked", WebhookURL: "https://agent.example.com/hook"})
	require.NoError(t, err)
	assert.Equal(t, "https://agent.example.com/hook", reg.Agent.WebhookURL)

	store := mock.NewStore()
	dev := marketplace.NewService(store, marketplace.WithPrivateWebhooks(), marketplace.WithBcryptCost(bcrypt.MinCost))
	devOp := (&fixture{svc: dev, store: store}).signup(t, "operator")
	_, err = dev.RegisterAgent(ctx, devOp.ID, marketplace.RegisterAgentInput{Name: "local", WebhookURL: "http://127.0.0.1:9000/hook"})
	assert.NoError(t, err)
}
