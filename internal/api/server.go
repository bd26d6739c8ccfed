// Package api serves the read/write HTTP surface: usage stats, quota
// configuration, session history, and health.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/enforce"
	"github.com/goodtune/playwarden/internal/quota"
	"github.com/goodtune/playwarden/internal/registry"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
)

// Server is the API HTTP server.
type Server struct {
	store     storage.Store
	registry  *registry.Registry
	policy    *quota.Policy
	usage     *stats.Aggregator
	scheduler *enforce.Scheduler
	clk       clock.Clock
	server    *http.Server
	router    *mux.Router
	listener  net.Listener // Optional pre-created listener (for systemd socket activation)
	logger    zerolog.Logger
}

// NewServer creates an API server.
func NewServer(addr string, store storage.Store, reg *registry.Registry, policy *quota.Policy, usage *stats.Aggregator, scheduler *enforce.Scheduler, clk clock.Clock, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		store:     store,
		registry:  reg,
		policy:    policy,
		usage:     usage,
		scheduler: scheduler,
		clk:       clk,
		router:    router,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleOpenSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/stats", s.handleUserStats).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/games", s.handleUserGames).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/top-games", s.handleTopGames).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/quota", s.handleGetQuota).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/quota", s.handlePutQuota).Methods(http.MethodPut)
	api.HandleFunc("/users/{user}/sessions", s.handleUserSessions).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
