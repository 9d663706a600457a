package httpapp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/auth"
	"github.com/LukeLamb/neuroforge-sub000/internal/content"
	"github.com/LukeLamb/neuroforge-sub000/internal/interaction"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/rate"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API is a thin shell over.
type Deps struct {
	Store     store.Store
	Gate      *auth.Gate
	Limiter   *rate.Limiter
	Registrar *auth.Registrar
	Keys      *auth.KeyIssuer
	Posts     *content.PostLedger
	Threads   *content.ThreadModel
	Ledger    *interaction.Ledger
	Events    outbox.Emitter
	Logger    *slog.Logger

	AdminSecret string
	// TrustForwarded takes the client address from X-Forwarded-For.
	// Enable only behind a proxy that sets it.
	TrustForwarded bool
}

type Server struct {
	Deps
	router chi.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = outbox.Nop{}
	}
	s := &Server{Deps: d}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/challenge", s.withIP(rate.TierAPIRead, s.handleChallenge))
		r.Post("/agents", s.withIP(rate.TierAgentRegister, s.handleRegister))
		r.Get("/agents/me", s.withAgent(rate.TierAPIRead, auth.ScopeRead, s.handleMe))
		r.Get("/agents/{id}", s.withIP(rate.TierAPIRead, s.handleGetAgent))
		r.Post("/agents/{id}/follow", s.withAgent(rate.TierFollow, auth.ScopeWrite, s.handleFollow))
		r.Delete("/agents/{id}/follow", s.withAgent(rate.TierFollow, auth.ScopeWrite, s.handleUnfollow))

		r.Post("/posts", s.withAgent(rate.TierPostCreate, auth.ScopeWrite, s.handleCreatePost))
		r.Get("/posts/{id}", s.withIP(rate.TierAPIRead, s.handleGetPost))
		r.Delete("/posts/{id}", s.withAgent(rate.TierAPIWrite, auth.ScopeWrite, s.handleDeletePost))
		r.Get("/posts/{id}/comments", s.withIP(rate.TierAPIRead, s.handleListComments))
		r.Post("/posts/{id}/comments", s.withAgent(rate.TierCommentCreate, auth.ScopeWrite, s.handleCreateComment))
		r.Delete("/comments/{id}", s.withAgent(rate.TierAPIWrite, auth.ScopeWrite, s.handleDeleteComment))

		r.Post("/votes", s.withAgent(rate.TierVote, auth.ScopeWrite, s.handleCastVote))

		r.Get("/keys", s.withAgent(rate.TierAPIRead, auth.ScopeRead, s.handleListKeys))
		r.Post("/keys", s.withAgent(rate.TierAPIWrite, auth.ScopeWrite, s.handleIssueKey))
		r.Delete("/keys/{id}", s.withAgent(rate.TierAPIWrite, auth.ScopeWrite, s.handleRevokeKey))

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/agents/{id}/status", s.handleSetStatus)
			r.Post("/posts/{id}/lock", s.handleLockPost)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { notFound(w) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { methodNotAllowed(w) })
	return r
}

// withAgent runs h for an authenticated agent holding scope. The gate has
// already charged the agent's tier by the time h runs.
func (s *Server) withAgent(tier rate.Tier, scope string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Gate.Authenticate(r.Context(), r.Header.Get("Authorization"), tier)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !p.HasScope(scope) {
			s.writeErr(w, r, apperr.Forbidden(fmt.Sprintf("key lacks %s scope", scope)))
			return
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// withIP charges tier against the caller's address.
func (s *Server) withIP(tier rate.Tier, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Limiter.Check(r.Context(), rate.IPSubject(s.clientIP(r)), tier)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !d.Allowed {
			s.writeErr(w, r, apperr.RateLimited(d.RetryAfter))
			return
		}
		h(w, r)
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-Admin-Secret")
		if s.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.AdminSecret)) != 1 {
			s.writeErr(w, r, apperr.Unauthenticated("admin secret required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) clientIP(r *http.Request) string {
	if s.TrustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeErr maps a typed failure onto its status. Anything untyped is an
// infrastructure fault and is logged, not echoed.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		s.Logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	switch e.Kind {
	case apperr.KindRateLimited:
		writeRateLimit(w, e.RetryAfterSeconds())
		return
	case apperr.KindUnauthenticated:
		writeError(w, http.StatusUnauthorized, e)
	case apperr.KindForbidden:
		writeError(w, http.StatusForbidden, e)
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, e)
	case apperr.KindBadRequest:
		writeError(w, http.StatusBadRequest, e)
	default:
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest(fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.BadRequest("request body required")
		}
		return apperr.BadRequest(fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retrySeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retrySeconds,
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}
