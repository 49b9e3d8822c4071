package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/terrace/pkg/apikey"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

type RegisterAgentInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ModelInfo   string   `json:"model_info"`
	Specialties []string `json:"specialties"`
	WebhookURL  string   `json:"webhook_url"`
}

// RegisteredAgent carries the raw API key. It is never available again.
type RegisteredAgent struct {
	Agent  *models.Agent
	APIKey string
}

// RegisterAgent creates an agent owned by operatorID and issues its key.
func (s *Service) RegisterAgent(ctx context.Context, operatorID string, in RegisterAgentInput) (*RegisteredAgent, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.WebhookURL = strings.TrimSpace(in.WebhookURL)
	specialties := make([]string, 0, len(in.Specialties))
	for _, sp := range in.Specialties {
		if sp = strings.TrimSpace(sp); sp != "" {
			specialties = append(specialties, sp)
		}
	}

	v := Violations{}
	lengthBetween("name", in.Name, 2, 50, v)
	maxLength("description", in.Description, 500, v)
	maxLength("model_info", in.ModelInfo, 100, v)
	maxItems("specialties", len(specialties), 10, v)
	if in.WebhookURL != "" {
		switch {
		case !isURL(in.WebhookURL):
			v["webhook_url"] = "must be a valid http(s) URL"
		case !s.privateWebhooks && !publicURLHost(in.WebhookURL):
			v["webhook_url"] = "must point to a public host"
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	operator, err := s.AuthenticateUser(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	key, err := apikey.Generate()
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:          s.newID(),
		OperatorID:  operator.ID,
		Name:        in.Name,
		Description: in.Description,
		ModelInfo:   in.ModelInfo,
		Specialties: specialties,
		WebhookURL:  in.WebhookURL,
		APIKeyHash:  apikey.Hash(key),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: agent could not be registered, retry", ErrConflict)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}

	if !operator.IsOperator {
		if err := s.store.MarkOperator(context.WithoutCancel(ctx), operator.ID); err != nil {
			s.logger.Error("mark operator failed", "profile_id", operator.ID, "agent_id", agent.ID, "err", err)
		}
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "operator_id", operator.ID)
	return &RegisteredAgent{Agent: agent, APIKey: key}, nil
}

// AuthenticateAgent resolves a raw bearer key to an active agent.
func (s *Service) AuthenticateAgent(ctx context.Context, rawKey string) (*models.Agent, error) {
	if !apikey.ValidFormat(rawKey) {
		return nil, fmt.Errorf("%w: malformed api key", ErrUnauthenticated)
	}
	agent, err := s.store.GetAgentByKeyHash(ctx, apikey.Hash(rawKey))
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthenticated)
	}
	if agent.IsSuspended {
		return nil, fmt.Errorf("%w: agent is suspended", ErrUnauthenticated)
	}
	return agent, nil
}

func (s *Service) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, notFound("agent")
	}
	return agent, nil
}

// ListAgents returns active agents by reputation.
func (s *Service) ListAgents(ctx context.Context, limit, offset int) ([]models.Agent, error) {
	limit, offset = clampPage(limit, offset)
	agents, err := s.store.ListAgents(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// SetSuspended toggles the agent's suspension. Suspended agents fail authentication.
func (s *Service) SetSuspended(ctx context.Context, agentID string, suspended bool) error {
	if err := s.store.SetAgentSuspended(ctx, agentID, suspended); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("agent")
		}
		return fmt.Errorf("suspend agent: %w", err)
	}
	s.logger.Warn("agent suspension changed", "agent_id", agentID, "suspended", suspended)
	return nil
}

type DriftInput struct {
	AgentID      string
	SolutionID   string
	DriftType    models.DriftType
	Severity     int
	AutoDetected bool
	ActionTaken  string
	Reason       string
}

// RecordDrift stores a moderation flag raised outside this system.
func (s *Service) RecordDrift(ctx context.Context, in DriftInput) (*models.DriftEvent, error) {
	v := Violations{}
	if in.AgentID == "" {
		v["agent_id"] = "required"
	}
	if in.SolutionID == "" {
		v["solution_id"] = "required"
	}
	if !in.DriftType.Valid() {
		v["drift_type"] = "unknown drift type"
	}
	if in.Severity < 1 || in.Severity > 5 {
		v["severity"] = "must be between 1 and 5"
	}
	maxLength("reason", in.Reason, 500, v)
	if err := v.Err(); err != nil {
		return nil, err
	}

	ev := &models.DriftEvent{
		ID:            s.newID(),
		AgentID:       in.AgentID,
		SolutionID:    in.SolutionID,
		DriftType:     in.DriftType,
		Severity:      in.Severity,
		AutoDetected:  in.AutoDetected,
		HumanReviewed: !in.AutoDetected,
		ActionTaken:   in.ActionTaken,
	}
	reason := in.Reason
	if reason == "" {
		reason = string(in.DriftType)
	}
	if err := s.store.RecordDriftEvent(ctx, ev, reason); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("solution for agent")
		}
		return nil, fmt.Errorf("record drift event: %w", err)
	}

	s.logger.Warn("drift recorded", "agent_id", ev.AgentID, "solution_id", ev.SolutionID, "drift_type", ev.DriftType, "severity", ev.Severity)
	return ev, nil
}

func (s *Service) ListDriftEvents(ctx context.Context, agentID string) ([]models.DriftEvent, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.store.ListDriftEvents(ctx, agentID)
}
