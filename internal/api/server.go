// Package api exposes the proxy's observability surface: status, health,
// readiness, the redacted configuration, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/health"
	"github.com/uktrade/postgres-audit-proxy/internal/metrics"
)

// Server is the REST API and metrics server.
type Server struct {
	healthCheck *health.Checker
	metrics     *metrics.Collector
	configFn    func() config.Config
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates a new API server. configFn returns the current
// configuration (so hot reloads are reflected).
func NewServer(hc *health.Checker, m *metrics.Collector, configFn func() config.Config) *Server {
	return &Server{
		healthCheck: hc,
		metrics:     m,
		configFn:    configFn,
		startTime:   time.Now(),
	}
}

// Handler builds the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start starts the HTTP API server.
func (s *Server) Start(bind string, port int) error {
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	Upstream   string `json:"upstream"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.configFn()
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Upstream:   cfg.Upstream.Address,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configFn().Redacted())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, s.healthCheck.Health())
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil && !s.healthCheck.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "upstream unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encoding response: %v", err)
	}
}
