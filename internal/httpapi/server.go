// Package httpapi implements the HTTP control plane (spec.md §6,
// SPEC_FULL.md §4.K): run admission, inspection, live streaming,
// cancellation, approval decisions, and queue/safety introspection, all
// wired directly against an *engine.Engine.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/flowforge/dagrunner/internal/engine"
	"github.com/flowforge/dagrunner/internal/runqueue"
	"github.com/flowforge/dagrunner/internal/safety"
)

// Config wires the router's cross-cutting concerns.
type Config struct {
	Auth           AuthConfig
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server bundles the engine and queue handle every handler needs.
type Server struct {
	eng   *engine.Engine
	queue *runqueue.Queue
	rl    *safety.RateLimiter
	cfg   Config
}

// NewRouter builds the full chi.Mux for the control plane, with the
// middleware chain recover -> request-id -> access-log -> CORS ->
// max-body-size -> auth -> rate-limit ahead of every route
// (SPEC_FULL.md §4.K).
func NewRouter(eng *engine.Engine, queue *runqueue.Queue, cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		eng:   eng,
		queue: queue,
		rl:    safety.NewRateLimiter(eng.Safety(), nil),
		cfg:   cfg,
	}

	accessLogger := httplog.NewLogger("dagrunner", httplog.Options{
		LogLevel:       slog.LevelInfo,
		Concise:        true,
		RequestHeaders: false,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(accessLogger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-API-Key", "Last-Event-ID", "X-SSE-Client-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.maxBodySize)
	r.Use(authMiddleware(cfg.Auth))
	r.Use(s.rateLimit)

	r.Route("/api/dag", func(r chi.Router) {
		r.Post("/run", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs/stop-all", requireRole(RoleEditor, s.handleStopAll))
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/replay", s.handleReplay)
		r.Get("/runs/{id}/events", s.handleStream)
		r.Post("/runs/{id}/stop", requireRole(RoleEditor, s.handleStopRun))
		r.Post("/runs/{id}/approvals", requireRole(RoleEditor, s.handleDecideApproval))
		r.Post("/runs/{id}/approvals/{token}", requireRole(RoleEditor, s.handleDecideApproval))
		r.Get("/approvals/latest", s.handleLatestApproval)
		r.Post("/approvals/latest", requireRole(RoleEditor, s.handleLatestApprovalDecide))
		r.Get("/queue", s.handleListQueue)
		r.Patch("/queue/{id}", requireRole(RoleEditor, s.handlePatchQueue))
		r.Post("/queue/reorder", requireRole(RoleEditor, s.handleReorderQueue))
		r.Get("/safety", s.handleSafety)
	})
	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// maxBodySize caps request bodies at Safety().MaxRequestBytes
// (spec.md §4.J), returning 413 when exceeded.
func (s *Server) maxBodySize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.eng.Safety().MaxRequestBytes
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the sliding-window cap keyed by caller identity
// (API key / remote addr), per spec.md §4.J.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.rl.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
