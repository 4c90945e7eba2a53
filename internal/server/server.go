// Package server exposes the task-management HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/touchfish/dailytask/internal/database"
	"github.com/touchfish/dailytask/internal/scheduler"
)

// Timeouts for the HTTP server.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the task-management HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the API server. Every /api route requires the configured
// token in the Authorization header; /health is public.
func New(host string, port int, token string, sched *scheduler.Scheduler, store database.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "server")

	h := &handler{sched: sched, store: store, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(token))

		r.Get("/task/cron", h.listCronTasks)
		r.Patch("/task/cron/pause/{id}", h.pauseCronTask)
		r.Patch("/task/cron/resume/{id}", h.resumeCronTask)

		r.Get("/task/date", h.listDateTasks)
		r.Delete("/task/date/{id}", h.deleteDateTask)
		r.Delete("/task/date", h.deleteAllDateTasks)

		r.Post("/task", h.createTask)
		r.Get("/task/runs", h.listRuns)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: log,
	}
}

// Start runs the server until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// authMiddleware rejects requests whose Authorization header doesn't carry
// the API token.
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(header), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
