package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/models"
)

type ProblemsHandler struct {
	svc *marketplace.Service
}

func NewProblemsHandler(svc *marketplace.Service) *ProblemsHandler {
	return &ProblemsHandler{svc: svc}
}

type createProblemResponse struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Status    models.ProblemStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

type acceptRequest struct {
	SolutionID string `json:"solution_id"`
}

func (h *ProblemsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	q := r.URL.Query()
	problems, err := h.svc.ListProblems(r.Context(), marketplace.ListProblemsQuery{
		Status: q.Get("status"),
		Tag:    q.Get("tag"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if problems == nil {
		problems = []models.Problem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"problems": problems, "count": len(problems)})
}

func (h *ProblemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetProblemDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if detail.Solutions == nil {
		detail.Solutions = []models.Solution{}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *ProblemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	var req marketplace.CreateProblemInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.svc.CreateProblem(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createProblemResponse{ID: p.ID, Title: p.Title, Status: p.Status, CreatedAt: p.CreatedAt})
}

// Accept closes the problem with the given solution. Only the author may call it.
func (h *ProblemsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}

	var req acceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	problemID := mux.Vars(r)["id"]
	p, err := h.svc.AcceptSolution(r.Context(), user.ID, problemID, req.SolutionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"problem_id":  p.ID,
		"solution_id": req.SolutionID,
		"status":      p.Status,
		"solved_at":   p.SolvedAt,
	})
}
