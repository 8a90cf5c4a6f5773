// Package metrics serves Prometheus metrics and the health endpoint
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"perp_gateway/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthReporter is the view of the health manager the server needs
type HealthReporter interface {
	Status() map[string]string
	Check() error
}

// Server exposes /metrics and /healthz
type Server struct {
	port   int
	health HealthReporter
	logger core.ILogger
	srv    *http.Server
}

// NewServer creates a metrics server on port; health may be nil
func NewServer(port int, health HealthReporter, logger core.ILogger) *Server {
	s := &Server{
		port:   port,
		health: health,
		logger: logger.WithField("component", "metrics_server"),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		body["components"] = s.health.Status()
		if err := s.health.Check(); err != nil {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	s.logger.Info("Starting Prometheus metrics server", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
