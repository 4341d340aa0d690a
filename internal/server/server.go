// Package server implements the HTTP/WS admin surface: authentication,
// runtime configuration, credential management, peer policy, API keys and
// the NIP-46 operator endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/bus"
	"github.com/glacierhq/frostd/internal/config"
	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/nip46"
	"github.com/glacierhq/frostd/internal/peers"
	"github.com/glacierhq/frostd/internal/ratelimit"
	"github.com/glacierhq/frostd/internal/signer"
)

const version = "1.0.0"

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.Config
	runtime    *config.Runtime
	store      *db.Store
	sessions   *auth.Sessions
	limiter    *ratelimit.Limiter
	supervisor *signer.Supervisor
	registry   *peers.Registry
	policy     *peers.Engine
	nip46      *nip46.Service
	bus        *bus.Bus

	router    *chi.Mux
	startedAt time.Time
}

// New creates a Server over the assembled subsystems.
func New(cfg *config.Config, rt *config.Runtime, store *db.Store, sessions *auth.Sessions,
	limiter *ratelimit.Limiter, sup *signer.Supervisor, registry *peers.Registry,
	policy *peers.Engine, nipsvc *nip46.Service, b *bus.Bus) *Server {
	s := &Server{
		cfg:        cfg,
		runtime:    rt,
		store:      store,
		sessions:   sessions,
		limiter:    limiter,
		supervisor: sup,
		registry:   registry,
		policy:     policy,
		nip46:      nipsvc,
		bus:        b,
		startedAt:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/api/healthcheck", s.handleHealthcheck)

	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/auth/logout", s.handleLogout)

		r.Get("/api/env", s.handleEnvGet)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/api/env", s.handleEnvPatch)
			r.Post("/api/env/delete", s.handleEnvDelete)
		})

		r.Post("/api/user/credentials", s.handleStoreCredentials)
		r.Delete("/api/user/credentials", s.handleClearCredentials)

		r.Get("/api/peers", s.handlePeersList)
		r.Get("/api/peers/self", s.handlePeersSelf)
		r.Post("/api/peers/ping", s.handlePeersPing)
		r.Put("/api/peers/{pubkey}/policy", s.handleSetPeerPolicy)
		r.Delete("/api/peers/{pubkey}/policy", s.handleResetPeerPolicy)

		r.Get("/api/nip46/sessions", s.handleNip46Sessions)
		r.Delete("/api/nip46/sessions/{pubkey}", s.handleNip46RevokeSession)
		r.Put("/api/nip46/sessions/{pubkey}/policy", s.handleNip46SessionPolicy)
		r.Get("/api/nip46/requests", s.handleNip46Requests)
		r.Post("/api/nip46/requests/{id}/approve", s.handleNip46Approve)
		r.Post("/api/nip46/requests/{id}/deny", s.handleNip46Deny)
		r.Post("/api/nip46/connect", s.handleNip46Connect)

		r.Get("/api/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/api/admin/api-keys", s.handleListAPIKeys)
			r.Post("/api/admin/api-keys", s.handleCreateAPIKey)
			r.Post("/api/admin/api-keys/revoke", s.handleRevokeAPIKey)
		})
	})

	return r
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":         "ok",
		"version":        version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"signer_running": s.supervisor.Running(),
	}, http.StatusOK)
}

// ─── Utility functions ────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController (and the websocket upgrader) to reach
// the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
