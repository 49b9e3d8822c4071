package jobs_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/terrace/internal/jobs"
	"github.com/garnizeh/terrace/internal/repository/sqlrepo"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/webhook"
)

type receiver struct {
	mu     sync.Mutex
	paths  []string
	bodies map[string][]byte
	sigs   map[string]string
	status int
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	t.Helper()
	rc := &receiver{bodies: map[string][]byte{}, sigs: map[string]string{}, status: http.StatusNoContent}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.paths = append(rc.paths, r.URL.Path)
		rc.bodies[r.URL.Path] = b
		rc.sigs[r.URL.Path] = r.Header.Get(webhook.HeaderSignature)
		status := rc.status
		rc.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return rc, srv
}

func newClient(t *testing.T) *webhook.Client {
	t.Helper()
	c := webhook.NewClient(webhook.Config{Timeout: 2 * time.Second, AllowPrivate: true}, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestInterested(t *testing.T) {
	cases := []struct {
		name        string
		specialties []string
		tags        []string
		want        bool
	}{
		{"no specialties", nil, []string{"go"}, true},
		{"no specialties no tags", nil, nil, true},
		{"match", []string{"rust", "go"}, []string{"go"}, true},
		{"case insensitive", []string{"Go"}, []string{"go"}, true},
		{"miss", []string{"python"}, []string{"go"}, false},
		{"untagged problem", []string{"python"}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, jobs.Interested(tc.specialties, tc.tags))
		})
	}
}

func TestProblemFanoutAndDelivery(t *testing.T) {
	ctx := context.Background()
	repo, d := setupRepo(t)
	store := sqlrepo.New(d, nil)
	rc, srv := newReceiver(t)
	client := newClient(t)

	op := &models.Profile{ID: uuid.NewString(), Username: "operator"}
	require.NoError(t, store.CreateAccount(ctx, op, &models.Account{Email: "op@example.com", PasswordHash: "x"}))
	mk := func(name, hook string, specialties ...string) *models.Agent {
		a := &models.Agent{ID: uuid.NewString(), OperatorID: op.ID, Name: name, Specialties: specialties, WebhookURL: hook, APIKeyHash: "hash-" + name}
		require.NoError(t, store.CreateAgent(ctx, a))
		return a
	}
	mk("gopher", srv.URL+"/gopher", "go")
	mk("snake", srv.URL+"/snake", "python")
	mk("generalist", srv.URL+"/generalist")
	mk("silent", "")
	banned := mk("banned", srv.URL+"/banned")
	require.NoError(t, store.SetAgentSuspended(ctx, banned.ID, true))

	p := &models.Problem{ID: uuid.NewString(), AuthorID: op.ID, Title: "title", Body: "body", Tags: []string{"go"}, Status: models.ProblemOpen}
	require.NoError(t, store.CreateProblem(ctx, p))

	fanout := jobs.FanoutHandler(repo, store, nil)
	require.NoError(t, fanout(ctx, &jobs.Job{ID: "fanout", Payload: payload(t, jobs.FanoutPayload{ProblemID: p.ID})}))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[jobs.StatusQueued])

	deliver := jobs.DeliverHandler(store, client, nil)
	for {
		j, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		assert.Equal(t, jobs.TypeWebhookDeliver, j.Type)
		require.NoError(t, deliver(ctx, j))
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	got := append([]string(nil), rc.paths...)
	sort.Strings(got)
	assert.Equal(t, []string{"/generalist", "/gopher"}, got)

	body := rc.bodies["/gopher"]
	assert.True(t, webhook.Verify("hash-gopher", body, rc.sigs["/gopher"]))

	var ev webhook.Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, webhook.EventProblemCreated, ev.Type)
	var data jobs.ProblemEventData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, p.ID, data.ProblemID)
	assert.Equal(t, []string{"go"}, data.Tags)
}

func TestFanoutMissingProblem(t *testing.T) {
	ctx := context.Background()
	repo, d := setupRepo(t)
	store := sqlrepo.New(d, nil)

	fanout := jobs.FanoutHandler(repo, store, nil)
	require.NoError(t, fanout(ctx, &jobs.Job{ID: "fanout", Payload: payload(t, jobs.FanoutPayload{ProblemID: "missing"})}))
	assert.Error(t, fanout(ctx, &jobs.Job{ID: "bad", Payload: []byte("{")}))
}

func TestDeliverHandlerOutcomes(t *testing.T) {
	ctx := context.Background()
	_, d := setupRepo(t)
	store := sqlrepo.New(d, nil)
	rc, srv := newReceiver(t)
	client := newClient(t)

	op := &models.Profile{ID: uuid.NewString(), Username: "operator"}
	require.NoError(t, store.CreateAccount(ctx, op, &models.Account{Email: "op@example.com", PasswordHash: "x"}))
	a := &models.Agent{ID: uuid.NewString(), OperatorID: op.ID, Name: "solver", WebhookURL: srv.URL + "/hook", APIKeyHash: "h"}
	require.NoError(t, store.CreateAgent(ctx, a))

	deliver := jobs.DeliverHandler(store, client, nil)
	job := &jobs.Job{ID: "deliver", Payload: payload(t, jobs.DeliverPayload{
		AgentID: a.ID,
		Event:   webhook.Event{ID: "ev-1", Type: webhook.EventSolutionAccepted, Data: json.RawMessage(`{}`)},
	})}

	rc.mu.Lock()
	rc.status = http.StatusInternalServerError
	rc.mu.Unlock()
	assert.Error(t, deliver(ctx, job), "5xx is retried")

	rc.mu.Lock()
	rc.status = http.StatusGone
	rc.mu.Unlock()
	assert.NoError(t, deliver(ctx, job), "4xx is dropped")

	require.NoError(t, store.SetAgentSuspended(ctx, a.ID, true))
	rc.mu.Lock()
	before := len(rc.paths)
	rc.mu.Unlock()
	assert.NoError(t, deliver(ctx, job))
	rc.mu.Lock()
	assert.Equal(t, before, len(rc.paths), "suspended agents get nothing")
	rc.mu.Unlock()

	missing := &jobs.Job{ID: "gone", Payload: payload(t, jobs.DeliverPayload{AgentID: "missing"})}
	assert.NoError(t, deliver(ctx, missing))
}

func TestSolutionAcceptedEnqueuesDelivery(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)
	pool := jobs.NewWorkerPool(repo, nil, nil, 1)

	solved := time.Now().UTC()
	p := &models.Problem{ID: "p1", SolvedAt: &solved}
	sol := &models.Solution{ID: "s1", ProblemID: "p1", AgentID: "a1"}
	require.NoError(t, pool.SolutionAccepted(ctx, p, sol))
	require.NoError(t, pool.ProblemCreated(ctx, p))

	first, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	second, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)

	byType := map[string]*jobs.Job{first.Type: first, second.Type: second}
	require.Contains(t, byType, jobs.TypeWebhookDeliver)
	require.Contains(t, byType, jobs.TypeWebhookFanout)

	var pl jobs.DeliverPayload
	require.NoError(t, json.Unmarshal(byType[jobs.TypeWebhookDeliver].Payload, &pl))
	assert.Equal(t, "a1", pl.AgentID)
	assert.Equal(t, webhook.EventSolutionAccepted, pl.Event.Type)
	assert.NotEmpty(t, pl.Event.ID)
}

func TestFanoutRetryKeepsEventID(t *testing.T) {
	ctx := context.Background()
	repo, d := setupRepo(t)
	store := sqlrepo.New(d, nil)

	op := &models.Profile{ID: uuid.NewString(), Username: "operator"}
	require.NoError(t, store.CreateAccount(ctx, op, &models.Account{Email: "op@example.com", PasswordHash: "x"}))
	a := &models.Agent{ID: uuid.NewString(), OperatorID: op.ID, Name: "solver", WebhookURL: "https://agent.example.com/hook", APIKeyHash: "h"}
	require.NoError(t, store.CreateAgent(ctx, a))
	p := &models.Problem{ID: uuid.NewString(), AuthorID: op.ID, Title: "title", Body: "body", Status: models.ProblemOpen}
	require.NoError(t, store.CreateProblem(ctx, p))

	fanout := jobs.FanoutHandler(repo, store, nil)
	job := &jobs.Job{ID: "fanout-1", Payload: payload(t, jobs.FanoutPayload{ProblemID: p.ID})}
	require.NoError(t, fanout(ctx, job))
	require.NoError(t, fanout(ctx, job))

	ids := map[string]int{}
	for {
		j, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		var pl jobs.DeliverPayload
		require.NoError(t, json.Unmarshal(j.Payload, &pl))
		ids[pl.Event.ID]++
	}
	require.Len(t, ids, 1, "both runs must carry one event id")
	for _, n := range ids {
		assert.Equal(t, 2, n)
	}

	other := &jobs.Job{ID: "fanout-2", Payload: job.Payload}
	require.NoError(t, fanout(ctx, other))
	next, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	var pl jobs.DeliverPayload
	require.NoError(t, json.Unmarshal(next.Payload, &pl))
	assert.NotContains(t, ids, pl.Event.ID, "a different job gets a different event id")
}

func TestDeliverHandlerDropsPrivateReceiver(t *testing.T) {
	ctx := context.Background()
	_, d := setupRepo(t)
	store := sqlrepo.New(d, nil)
	rc, srv := newReceiver(t)
	strict := webhook.NewClient(webhook.Config{Timeout: time.Second}, nil)
	t.Cleanup(func() { strict.Close() })

	op := &models.Profile{ID: uuid.NewString(), Username: "operator"}
	require.NoError(t, store.CreateAccount(ctx, op, &models.Account{Email: "op@example.com", PasswordHash: "x"}))
	a := &models.Agent{ID: uuid.NewString(), OperatorID: op.ID, Name: "solver", WebhookURL: srv.URL + "/hook", APIKeyHash: "h"}
	require.NoError(t, store.CreateAgent(ctx, a))

	deliver := jobs.DeliverHandler(store, strict, nil)
	job := &jobs.Job{ID: "deliver", Payload: payload(t, jobs.DeliverPayload{AgentID: a.ID, Event: webhook.Event{ID: "ev-1", Type: webhook.EventProblemCreated}})}
	assert.NoError(t, deliver(ctx, job), "a blocked receiver is not retried")

	rc.mu.Lock()
	defer rc.mu.Unlock()
	assert.Empty(t, rc.paths)
}
