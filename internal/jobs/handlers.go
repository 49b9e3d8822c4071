package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
	"github.com/garnizeh/terrace/pkg/webhook"
)

// Job types.
const (
	TypeCounterAdjust = "counter.adjust"
	TypeReconcile     = "counters.reconcile"
)

// CounterAdjustPayload is the body of a counter.adjust job.
type CounterAdjustPayload struct {
	AgentID string                   `json:"agent_id"`
	Delta   models.AgentCounterDelta `json:"delta"`
}

// EnqueueCounterAdjust queues a retry of an agent counter update that failed inline.
func (p *WorkerPool) EnqueueCounterAdjust(ctx context.Context, agentID string, d models.AgentCounterDelta) error {
	_, err := p.Enqueue(ctx, TypeCounterAdjust, CounterAdjustPayload{AgentID: agentID, Delta: d}, 10, 8)
	return err
}

// CounterStore is what the counter.adjust handler writes to.
type CounterStore interface {
	AdjustAgentCounters(ctx context.Context, id string, d models.AgentCounterDelta) error
	RecountAgent(ctx context.Context, agentID string) error
}

// CounterAdjustHandler applies queued counter deltas. Counters that have
// source rows (total_solutions, problems_solved) are recounted instead of
// incremented, so a reconcile that ran in between is not counted twice.
func CounterAdjustHandler(agents CounterStore) Handler {
	return func(ctx context.Context, j *Job) error {
		var pl CounterAdjustPayload
		if err := json.Unmarshal(j.Payload, &pl); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if pl.AgentID == "" {
			return errors.New("payload has no agent_id")
		}

		// recount first: it is idempotent, so a failed increment can retry the whole job
		d := pl.Delta
		if d.TotalSolutions != 0 || d.ProblemsSolved != 0 {
			if err := agents.RecountAgent(ctx, pl.AgentID); err != nil {
				return err
			}
		}
		d.TotalSolutions, d.ProblemsSolved = 0, 0
		if d.IsZero() {
			return nil
		}
		return agents.AdjustAgentCounters(ctx, pl.AgentID, d)
	}
}

// ReconcileHandler recomputes the denormalized counters.
func ReconcileHandler(counters repository.CounterRepo, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *Job) error {
		report, err := counters.ReconcileCounters(ctx)
		if err != nil {
			return err
		}
		logger.Info("reconcile finished", "job_id", j.ID, "problems", report.Problems, "solutions", report.Solutions, "agents", report.Agents)
		return nil
	}
}

// Handlers returns the handler map used by the server. Webhook handlers are
// registered only when client is non-nil.
func Handlers(queue *Repository, store repository.Store, client *webhook.Client, logger *slog.Logger) map[string]Handler {
	h := map[string]Handler{
		TypeCounterAdjust: CounterAdjustHandler(store),
		TypeReconcile:     ReconcileHandler(store, logger),
	}
	if client != nil {
		h[TypeWebhookFanout] = FanoutHandler(queue, store, logger)
		h[TypeWebhookDeliver] = DeliverHandler(store, client, logger)
	}
	return h
}
