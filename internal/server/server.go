// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the work-order HTTP API: CRUD, SSE log streaming,
// a websocket log mirror, repository verification, and reconciliation.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/logbuffer"
	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workflow"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger().With().Str("component", "server").Logger()
		log = &l
	})
	return log
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.ServerConfig
	repo       store.Repository
	registry   *workflow.Registry
	buffer     *logbuffer.Buffer
	reconciler *workflow.Reconciler
	github     *GitHubClient

	// ssePollInterval is overridable in tests; 500ms in production.
	ssePollInterval time.Duration

	httpServer *http.Server
}

// New creates a server with all routes registered.
func New(cfg *config.ServerConfig, repo store.Repository, registry *workflow.Registry, buffer *logbuffer.Buffer, reconciler *workflow.Reconciler) *Server {
	s := &Server{
		cfg:             cfg,
		repo:            repo,
		registry:        registry,
		buffer:          buffer,
		reconciler:      reconciler,
		github:          NewGitHubClient(),
		ssePollInterval: 500 * time.Millisecond,
	}

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware)
	r.Use(CORSMiddleware(cfg.AllowedOrigins))
	r.Use(MaxBodySizeMiddleware(1 << 20))

	r.Get("/healthz", s.handleHealth)

	r.Route("/agent-work-orders", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/running", s.handleRunning)
		r.Post("/reconcile", s.handleReconcile)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/steps", s.handleSteps)
			r.Get("/git-progress", s.handleGitProgress)
			r.Get("/logs/stream", s.handleLogStream)
		})
	})

	r.Post("/github/verify-repository", s.handleVerifyRepository)
	r.Get("/ws/agent-work-orders/{id}/logs", s.handleLogWebsocket)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		getLog().Info().Str("addr", s.httpServer.Addr).Msg("server_started")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	getLog().Info().Msg("server_shutdown_started")
	return s.httpServer.Shutdown(shutdownCtx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("response_encode_failed")
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
