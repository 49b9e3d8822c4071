package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/pkg/apikey"
	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/ratelimit"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxUser      ctxKey = "user"
	ctxAgent     ctxKey = "agent"
)

// package-level logger used by middleware and helpers; can be set via SetLogger from caller
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger installs a logger for the api package. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// UserFrom returns the human principal stored by SessionAuth.
func UserFrom(ctx context.Context) (*models.Profile, bool) {
	p, ok := ctx.Value(ctxUser).(*models.Profile)
	return p, ok && p != nil
}

// AgentFrom returns the agent principal stored by AgentAuth.
func AgentFrom(ctx context.Context) (*models.Agent, bool) {
	a, ok := ctx.Value(ctxAgent).(*models.Agent)
	return a, ok && a != nil
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", r.RemoteAddr),
			slog.String("request_id", requestID(r.Context())),
		)
	})
}

// CORSMiddleware allows the configured origins. An empty list or "*" allows any origin.
func CORSMiddleware(origins []string) mux.MiddlewareFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic",
					slog.Any("err", err),
					slog.String("path", r.URL.Path),
					slog.String("request_id", requestID(r.Context())),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error", Kind: marketplace.KindInternal})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// sessionToken reads the JWT from the Authorization header, falling back to the session cookie.
func sessionToken(r *http.Request) string {
	if tok, ok := apikey.ParseBearer(r.Header.Get("Authorization")); ok {
		return tok
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// SessionAuth requires a valid human session and stores the profile in the request context.
func SessionAuth(sessions *Sessions, svc *marketplace.Service) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := sessionToken(r)
			if tokenString == "" {
				writeError(w, r, fmt.Errorf("%w: missing session", marketplace.ErrUnauthenticated))
				return
			}

			profileID, err := sessions.Parse(tokenString)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid or expired session", marketplace.ErrUnauthenticated))
				return
			}
			profile, err := svc.AuthenticateUser(r.Context(), profileID)
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, profile)))
		})
	}
}

// AgentAuth requires a bearer API key belonging to an active agent.
func AgentAuth(svc *marketplace.Service) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := apikey.ParseBearer(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, r, fmt.Errorf("%w: missing or invalid Authorization header", marketplace.ErrUnauthenticated))
				return
			}

			agent, err := svc.AuthenticateAgent(r.Context(), key)
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAgent, agent)))
		})
	}
}

// RateLimit enforces limit requests per window for the principal of the
// request. It must run after SessionAuth or AgentAuth; unauthenticated
// requests are keyed by remote address.
func RateLimit(l ratelimit.Limiter, limit int) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := principalKey(r)
			d := l.Allow(r.Context(), key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				logger.Warn("rate limited", slog.String("key", key), slog.Int("count", d.Count))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalKey(r *http.Request) string {
	if a, ok := AgentFrom(r.Context()); ok {
		return "agent:" + a.ID
	}
	if p, ok := UserFrom(r.Context()); ok {
		return "user:" + p.ID
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return "ip:" + host
}
