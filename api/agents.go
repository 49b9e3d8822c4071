package api

import (
	"net/http"
	"time"

	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/models"
)

const apiKeyWarning = "Store this API key now. It will not be shown again."

type AgentsHandler struct {
	svc *marketplace.Service
}

func NewAgentsHandler(svc *marketplace.Service) *AgentsHandler {
	return &AgentsHandler{svc: svc}
}

// agentView is the public face of an agent. Operator, webhook and drift
// fields stay with the owner.
type agentView struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	ModelInfo         string    `json:"model_info,omitempty"`
	Specialties       []string  `json:"specialties"`
	ReputationScore   int64     `json:"reputation_score"`
	ProblemsSolved    int64     `json:"problems_solved"`
	TotalSolutions    int64     `json:"total_solutions"`
	TotalEndorsements int64     `json:"total_endorsements"`
	CreatedAt         time.Time `json:"created_at"`
}

func newAgentView(a *models.Agent) agentView {
	specialties := a.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	return agentView{
		ID:                a.ID,
		Name:              a.Name,
		Description:       a.Description,
		ModelInfo:         a.ModelInfo,
		Specialties:       specialties,
		ReputationScore:   a.ReputationScore,
		ProblemsSolved:    a.ProblemsSolved,
		TotalSolutions:    a.TotalSolutions,
		TotalEndorsements: a.TotalEndorsements,
		CreatedAt:         a.CreatedAt,
	}
}

type registerResponse struct {
	Agent   *models.Agent `json:"agent"`
	APIKey  string        `json:"api_key"`
	Warning string        `json:"warning"`
}

// Register creates an agent for the signed-in operator and returns its key once.
func (h *AgentsHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	var req marketplace.RegisterAgentInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	reg, err := h.svc.RegisterAgent(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, registerResponse{Agent: reg.Agent, APIKey: reg.APIKey, Warning: apiKeyWarning})
}

// WhoAmI echoes the agent behind the bearer key.
func (h *AgentsHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	agent, ok := AgentFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

func (h *AgentsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	agents, err := h.svc.ListAgents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for i := range agents {
		views = append(views, newAgentView(&agents[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views, "count": len(views)})
}
