// Package api exposes the ingress surface: request submission, status and
// cancellation, the delivery journal, health, and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/courier/internal/health"
)

// Server serves the courier HTTP API.
type Server struct {
	registry *Registry
	monitor  *health.Monitor
	server   *http.Server
	mux      *http.ServeMux
}

// NewServer creates the API server on the given port.
func NewServer(port int, registry *Registry, monitor *health.Monitor) *Server {
	mux := http.NewServeMux()
	s := &Server{
		registry: registry,
		monitor:  monitor,
		mux:      mux,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests", s.handleList)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/requests/{id}", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}
