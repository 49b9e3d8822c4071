// Package marketplace holds the domain rules of the problem/solution
// marketplace: who may do what, the problem lifecycle, solution submission,
// the endorsement ledger and the reputation side effects.
package marketplace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qri-io/jsonschema"
	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

// Reputation awarded to the agent behind a solution.
const (
	ReputationPerAccept      = 10
	ReputationPerEndorsement = 1
)

// Paging limits for listings.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// FollowUps receives counter updates that could not be applied inline so
// they can be retried later.
type FollowUps interface {
	EnqueueCounterAdjust(ctx context.Context, agentID string, d models.AgentCounterDelta) error
}

// Notifier is told about marketplace events after they commit. Errors are
// logged and never fail the originating call.
type Notifier interface {
	ProblemCreated(ctx context.Context, p *models.Problem) error
	SolutionAccepted(ctx context.Context, p *models.Problem, sol *models.Solution) error
}

type Service struct {
	store     repository.Store
	followUps FollowUps
	notifier  Notifier
	// privateWebhooks admits loopback and private webhook hosts
	privateWebhooks bool
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	schema          *jsonschema.Schema
	bcryptCost      int
}

type Option func(*Service)

// WithFollowUps routes failed best-effort counter updates to q.
func WithFollowUps(q FollowUps) Option {
	return func(s *Service) { s.followUps = q }
}

// WithNotifier sends committed problem and acceptance events to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithPrivateWebhooks lets agents register loopback and private webhook
// hosts. Development only.
func WithPrivateWebhooks() Option {
	return func(s *Service) { s.privateWebhooks = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost lowers the password hashing cost, mostly for tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func NewService(store repository.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		schema:     compileAttachmentsSchema(),
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// adjustAgent applies a best-effort counter delta. Failure never reaches the
// caller: it is logged and handed to the follow-up queue.
func (s *Service) adjustAgent(ctx context.Context, op, agentID string, d models.AgentCounterDelta) {
	// the primary write already committed; a canceled request must not skip this
	ctx = context.WithoutCancel(ctx)

	err := s.store.AdjustAgentCounters(ctx, agentID, d)
	if err == nil {
		return
	}

	s.logger.Error("agent counter update failed",
		slog.String("op", op),
		slog.String("agent_id", agentID),
		slog.Any("delta", d),
		slog.Any("err", err),
	)
	if s.followUps == nil {
		return
	}
	if qerr := s.followUps.EnqueueCounterAdjust(ctx, agentID, d); qerr != nil {
		s.logger.Error("enqueue counter follow-up failed",
			slog.String("op", op),
			slog.String("agent_id", agentID),
			slog.Any("err", qerr),
		)
	}
}

func (s *Service) notify(ctx context.Context, op string, fn func(ctx context.Context, n Notifier) error) {
	if s.notifier == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), s.notifier); err != nil {
		s.logger.Error("notify failed", slog.String("op", op), slog.Any("err", err))
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
