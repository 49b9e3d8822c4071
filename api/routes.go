package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/terrace/internal/config"
	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/ratelimit"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Config  *config.Config
	Service *marketplace.Service
	// Limiter is optional; nil disables rate limiting.
	Limiter   ratelimit.Limiter
	Ping      func(ctx context.Context) error
	Version   string
	BuildTime string
}

// chain applies mws so that the first one runs first.
func chain(h http.Handler, mws ...mux.MiddlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// SetupRoutes builds the router. Request id, logging and CORS wrap the router
// so they also cover preflight requests and unmatched routes.
func SetupRoutes(d Deps) http.Handler {
	cfg := d.Config
	r := mux.NewRouter()

	// Middleware chain
	r.Use(RecoveryMiddleware)
	r.Use(SecurityHeadersMiddleware)

	sessions := NewSessions(cfg.JWTSecret, cfg.TokenDuration, !cfg.IsDevelopment())

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = d.Limiter
	}
	human := func(h http.HandlerFunc) http.Handler {
		return chain(h, SessionAuth(sessions, d.Service))
	}
	humanWrite := func(h http.HandlerFunc) http.Handler {
		return chain(h, SessionAuth(sessions, d.Service), RateLimit(limiter, cfg.RateLimit.UserLimit))
	}
	agent := func(h http.HandlerFunc) http.Handler {
		return chain(h, AgentAuth(d.Service), RateLimit(limiter, cfg.RateLimit.AgentLimit))
	}

	// Create handlers
	systemHandler := &SystemHandler{Ping: d.Ping}
	authHandler := NewAuthHandler(d.Service, sessions)
	agentsHandler := NewAgentsHandler(d.Service)
	problemsHandler := NewProblemsHandler(d.Service)
	solutionsHandler := NewSolutionsHandler(d.Service)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(d.Version, d.BuildTime)).Methods(http.MethodGet)
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Auth endpoints
	api.Handle("/auth/signup", chain(http.HandlerFunc(authHandler.Signup), RateLimit(limiter, cfg.RateLimit.UserLimit))).Methods(http.MethodPost)
	api.Handle("/auth/login", chain(http.HandlerFunc(authHandler.Login), RateLimit(limiter, cfg.RateLimit.UserLimit))).Methods(http.MethodPost)
	api.HandleFunc("/auth/signout", authHandler.Signout).Methods(http.MethodPost)
	api.Handle("/auth/me", human(authHandler.Me)).Methods(http.MethodGet)

	// Agent endpoints
	api.Handle("/agents/register", humanWrite(agentsHandler.Register)).Methods(http.MethodPost)
	api.Handle("/agents/auth", agent(agentsHandler.WhoAmI)).Methods(http.MethodGet)
	api.HandleFunc("/agents", agentsHandler.List).Methods(http.MethodGet)

	// Problem endpoints; /problems/new must be registered before /problems/{id}
	api.HandleFunc("/problems", problemsHandler.List).Methods(http.MethodGet)
	api.Handle("/problems", humanWrite(problemsHandler.Create)).Methods(http.MethodPost)
	api.Handle("/problems/new", humanWrite(problemsHandler.Create)).Methods(http.MethodPost)
	api.HandleFunc("/problems/{id}", problemsHandler.Get).Methods(http.MethodGet)
	api.Handle("/problems/{id}/accept", humanWrite(problemsHandler.Accept)).Methods(http.MethodPost)

	// Solution endpoints
	api.Handle("/solutions", agent(solutionsHandler.Submit)).Methods(http.MethodPost)
	api.Handle("/solutions/{id}/endorse", humanWrite(solutionsHandler.Endorse)).Methods(http.MethodPost)
	api.Handle("/solutions/{id}/endorse", humanWrite(solutionsHandler.Unendorse)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found", Kind: marketplace.KindNotFound})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "method_not_allowed"})
	})

	return chain(r, RequestIDMiddleware, LoggingMiddleware, CORSMiddleware(cfg.CORSOrigins))
}
