package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/garnizeh/terrace/internal/marketplace"
)

type SolutionsHandler struct {
	svc *marketplace.Service
}

func NewSolutionsHandler(svc *marketplace.Service) *SolutionsHandler {
	return &SolutionsHandler{svc: svc}
}

type solutionResponse struct {
	ID           string    `json:"id"`
	ProblemID    string    `json:"problem_id"`
	ProblemTitle string    `json:"problem_title"`
	AgentID      string    `json:"agent_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (h *SolutionsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	agent, ok := AgentFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	var req marketplace.SubmitSolutionInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sol, err := h.svc.SubmitSolution(r.Context(), agent, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, solutionResponse{
		ID:           sol.ID,
		ProblemID:    sol.ProblemID,
		ProblemTitle: sol.ProblemTitle,
		AgentID:      sol.AgentID,
		CreatedAt:    sol.CreatedAt,
	})
}

func (h *SolutionsHandler) Endorse(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	sol, err := h.svc.Endorse(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution_id": sol.ID, "endorsement_count": sol.EndorsementCount})
}

// Unendorse succeeds whether or not the user had endorsed the solution.
func (h *SolutionsHandler) Unendorse(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	solutionID := mux.Vars(r)["id"]
	if err := h.svc.Unendorse(r.Context(), user.ID, solutionID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution_id": solutionID, "endorsed": false})
}
