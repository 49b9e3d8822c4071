package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
	"github.com/garnizeh/terrace/pkg/webhook"
)

// Webhook job types.
const (
	TypeWebhookFanout  = "webhook.problem_created"
	TypeWebhookDeliver = "webhook.deliver"
)

const deliverAttempts = 6

// FanoutPayload names the problem whose creation is announced to agents.
type FanoutPayload struct {
	ProblemID string `json:"problem_id"`
}

// DeliverPayload is one event bound for one agent. The event ID is fixed at
// enqueue time so retries reuse the same delivery ID.
type DeliverPayload struct {
	AgentID string        `json:"agent_id"`
	Event   webhook.Event `json:"event"`
}

// ProblemEventData is the data of a problem.created event.
type ProblemEventData struct {
	ProblemID      string    `json:"problem_id"`
	Title          string    `json:"title"`
	Tags           []string  `json:"tags"`
	BountyAmount   *float64  `json:"bounty_amount,omitempty"`
	BountyCurrency string    `json:"bounty_currency,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AcceptedEventData is the data of a solution.accepted event.
type AcceptedEventData struct {
	ProblemID  string     `json:"problem_id"`
	SolutionID string     `json:"solution_id"`
	AgentID    string     `json:"agent_id"`
	SolvedAt   *time.Time `json:"solved_at,omitempty"`
}

func newEvent(id, typ string, data any) (webhook.Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return webhook.Event{}, err
	}
	return webhook.Event{ID: id, Type: typ, CreatedAt: time.Now().UTC(), Data: b}, nil
}

// fanoutEventID is the same for every run of one fan-out job.
func fanoutEventID(jobID, problemID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("terrace:fanout:"+jobID+":"+problemID)).String()
}

// ProblemCreated queues the fan-out of a new problem to subscribed agents.
func (p *WorkerPool) ProblemCreated(ctx context.Context, pr *models.Problem) error {
	_, err := p.Enqueue(ctx, TypeWebhookFanout, FanoutPayload{ProblemID: pr.ID}, 20, 3)
	return err
}

// SolutionAccepted queues a notification to the agent whose solution was accepted.
func (p *WorkerPool) SolutionAccepted(ctx context.Context, pr *models.Problem, sol *models.Solution) error {
	ev, err := newEvent(uuid.NewString(), webhook.EventSolutionAccepted, AcceptedEventData{
		ProblemID:  pr.ID,
		SolutionID: sol.ID,
		AgentID:    sol.AgentID,
		SolvedAt:   pr.SolvedAt,
	})
	if err != nil {
		return err
	}
	_, err = p.Enqueue(ctx, TypeWebhookDeliver, DeliverPayload{AgentID: sol.AgentID, Event: ev}, 20, deliverAttempts)
	return err
}

// Interested reports whether an agent with the given specialties wants a
// problem tagged with tags. Agents without specialties hear about everything.
func Interested(specialties, tags []string) bool {
	if len(specialties) == 0 {
		return true
	}
	for _, s := range specialties {
		for _, t := range tags {
			if strings.EqualFold(strings.TrimSpace(s), t) {
				return true
			}
		}
	}
	return false
}

// FanoutHandler enqueues one delivery per agent interested in the new problem.
// A retried fan-out reuses its event ID, so receivers can drop repeats by
// delivery ID.
func FanoutHandler(queue *Repository, store repository.Store, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *Job) error {
		var pl FanoutPayload
		if err := json.Unmarshal(j.Payload, &pl); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		pr, err := store.GetProblem(ctx, pl.ProblemID)
		if err != nil {
			return err
		}
		if pr == nil {
			logger.Warn("fanout skipped, problem gone", "job_id", j.ID, "problem_id", pl.ProblemID)
			return nil
		}

		agents, err := store.ListWebhookAgents(ctx)
		if err != nil {
			return err
		}
		ev, err := newEvent(fanoutEventID(j.ID, pr.ID), webhook.EventProblemCreated, ProblemEventData{
			ProblemID:      pr.ID,
			Title:          pr.Title,
			Tags:           pr.Tags,
			BountyAmount:   pr.BountyAmount,
			BountyCurrency: pr.BountyCurrency,
			CreatedAt:      pr.CreatedAt,
		})
		if err != nil {
			return err
		}

		queued := 0
		for _, a := range agents {
			if !Interested(a.Specialties, pr.Tags) {
				continue
			}
			b, err := json.Marshal(DeliverPayload{AgentID: a.ID, Event: ev})
			if err != nil {
				return err
			}
			if _, err := queue.Enqueue(ctx, &Job{Type: TypeWebhookDeliver, Payload: b, Priority: 20, MaxAttempts: deliverAttempts}); err != nil {
				return err
			}
			queued++
		}
		logger.Info("problem fanout queued", "job_id", j.ID, "problem_id", pr.ID, "deliveries", queued)
		return nil
	}
}

// DeliverHandler posts a queued event to its agent. The signature secret is
// the stored hash of the agent's API key, which the agent can recompute.
func DeliverHandler(agents repository.AgentRepo, client *webhook.Client, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *Job) error {
		var pl DeliverPayload
		if err := json.Unmarshal(j.Payload, &pl); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		a, err := agents.GetAgent(ctx, pl.AgentID)
		if err != nil {
			return err
		}
		if a == nil || a.IsSuspended || a.WebhookURL == "" {
			logger.Info("delivery dropped", "job_id", j.ID, "agent_id", pl.AgentID, "event", pl.Event.Type)
			return nil
		}

		err = client.Deliver(ctx, a.WebhookURL, a.APIKeyHash, pl.Event)
		if errors.Is(err, webhook.ErrBlockedAddress) {
			logger.Warn("delivery blocked, receiver is not public", "job_id", j.ID, "agent_id", a.ID, "event", pl.Event.Type)
			return nil
		}
		var se *webhook.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests {
			// the receiver rejected the event; retrying will not change that
			logger.Warn("delivery rejected", "job_id", j.ID, "agent_id", a.ID, "event", pl.Event.Type, "status", se.StatusCode)
			return nil
		}
		return err
	}
}
