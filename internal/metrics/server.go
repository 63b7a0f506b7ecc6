// Package metrics exposes Prometheus collectors and the HTTP server serving them
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthFunc reports component health; a non-nil error marks the process unhealthy
type HealthFunc func() error

// Server provides HTTP server for Prometheus metrics
type Server struct {
	port    int
	server  *http.Server
	log     zerolog.Logger
	version string
	checks  map[string]HealthFunc
	mux     *http.ServeMux
}

// NewServer creates a new metrics server
func NewServer(port int, version string, log zerolog.Logger) *Server {
	s := &Server{
		port:    port,
		log:     log.With().Str("component", "metrics_server").Logger(),
		version: version,
		checks:  make(map[string]HealthFunc),
		mux:     http.NewServeMux(),
	}
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// AddHealthCheck registers a named check reported by /health.
// Checks must be registered before Start.
func (s *Server) AddHealthCheck(name string, check HealthFunc) {
	s.checks[name] = check
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down metrics server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	s.log.Info().Msg("Metrics server shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	}
	if len(failures) > 0 {
		body["failures"] = failures
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write health response")
	}
}
