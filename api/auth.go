package api

import (
	"net/http"

	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/models"
)

type AuthHandler struct {
	svc      *marketplace.Service
	sessions *Sessions
}

// NewAuthHandler creates a new AuthHandler with required dependencies.
func NewAuthHandler(svc *marketplace.Service, sessions *Sessions) *AuthHandler {
	return &AuthHandler{svc: svc, sessions: sessions}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	IsOperator  bool   `json:"is_operator"`
}

type authResponse struct {
	User  userView `json:"user"`
	Token string   `json:"token"`
}

func newUserView(p *models.Profile, a *models.Account) userView {
	v := userView{ID: p.ID, Username: p.Username, DisplayName: p.DisplayName, IsOperator: p.IsOperator}
	if a != nil {
		v.Email = a.Email
	}
	return v
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req marketplace.SignupInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	profile, account, err := h.svc.Signup(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, exp, err := h.sessions.Issue(profile.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.sessions.setCookie(w, token, exp)
	writeJSON(w, http.StatusCreated, authResponse{User: newUserView(profile, account), Token: token})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	profile, account, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, exp, err := h.sessions.Issue(profile.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.sessions.setCookie(w, token, exp)
	writeJSON(w, http.StatusOK, authResponse{User: newUserView(profile, account), Token: token})
}

// Signout clears the session cookie. Bearer tokens simply expire.
func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, r, marketplace.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserView(profile, nil)})
}
