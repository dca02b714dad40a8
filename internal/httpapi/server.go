// Package httpapi serves the HTTP surface: health, the sign-in redirect and
// callback, the read-only audit API, webhook ingress and Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adrelay/internal/audit"
	"adrelay/internal/domain"
)

const dateLayout = "2006-01-02"

// AuditReader is the read side of the audit store.
type AuditReader interface {
	History(ctx context.Context, f audit.Filter) ([]domain.AuditRecord, error)
	Report(ctx context.Context, from, to time.Time, actorID string) ([]audit.ReportRow, error)
	Stats(ctx context.Context) (audit.Stats, error)
}

// SignIn hands out authorize links and completes the callback.
type SignIn interface {
	LoginURL(userID, chatID string) (string, error)
	Callback(ctx context.Context, code, state string) (domain.Session, error)
}

// Observer records request outcomes by route pattern.
type Observer interface {
	ObserveHTTP(route string, code int)
}

type Config struct {
	Addr string

	Audit  AuditReader
	SignIn SignIn // optional; /auth routes answer 503 without it
	APIKey string // optional bearer token for /api routes

	WebhookPath    string
	WebhookHandler http.Handler // optional

	MetricsPath    string
	MetricsHandler http.Handler // optional
	Observer       Observer     // optional

	Logger *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
	start  time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, start: time.Now()}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		// Chat replies carry the authorize link directly; minting one here
		// for an arbitrary user id is reserved for API key holders.
		r.With(s.requireAPIKey).Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/audit-logs", s.handleAuditLogs)
		r.Get("/stats", s.handleStats)
	})

	if s.cfg.WebhookHandler != nil && s.cfg.WebhookPath != "" {
		r.Method(http.MethodPost, s.cfg.WebhookPath, s.cfg.WebhookHandler)
	}
	if s.cfg.MetricsHandler != nil && s.cfg.MetricsPath != "" {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("http server started", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.cfg.Observer == nil {
			return
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Observer.ObserveHTTP(route, status)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, envelope{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.start).Round(time.Second).String(),
	})
}

// handleLogin redirects a chat user to the identity provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SignIn == nil {
		http.Error(w, "sign-in is not configured", http.StatusServiceUnavailable)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	url, err := s.cfg.SignIn.LoginURL(userID, r.URL.Query().Get("chat"))
	if err != nil {
		s.logger.Error("login url failed", "user_id", userID, "error", err)
		http.Error(w, "sign-in unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SignIn == nil {
		http.Error(w, "sign-in is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.logger.Warn("sign-in denied by provider", "error", e, "description", q.Get("error_description"))
		http.Error(w, "Sign-in was not completed.", http.StatusUnauthorized)
		return
	}

	sess, err := s.cfg.SignIn.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.logger.Warn("sign-in callback failed", "error", err)
		http.Error(w, "Sign-in failed. Request a new link from the chat and try again.", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Signed in as %s. You can return to the chat; your session expires at %s.\n",
		sess.Identity.UserPrincipalName, sess.IssuedAt.Add(sess.Timeout).UTC().Format(time.RFC1123))
}

// handleAuditLogs returns the report when both dates are given, otherwise
// the most recent history.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")

	start, end := q.Get("startDate"), q.Get("endDate")
	if start != "" && end != "" {
		from, err := parseDate(start, false)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid startDate"})
			return
		}
		to, err := parseDate(end, true)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid endDate"})
			return
		}
		rows, err := s.cfg.Audit.Report(r.Context(), from, to, userID)
		if err != nil {
			s.logger.Error("audit report failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, envelope{Error: "audit report failed"})
			return
		}
		if rows == nil {
			rows = []audit.ReportRow{}
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
		return
	}

	limit := audit.DefaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.cfg.Audit.History(r.Context(), audit.Filter{ActorID: userID, Limit: limit})
	if err != nil {
		s.logger.Error("audit history failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "audit history failed"})
		return
	}
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Audit.Stats(r.Context())
	if err != nil {
		s.logger.Error("audit stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "audit stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st})
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
