// Package server exposes the ops HTTP surface: health, stats snapshot,
// Prometheus metrics, and the dead-letter queue export.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"auditcore/internal/config"
	"auditcore/pkg/types"
)

// Sources supplies the live data the handlers render. DLQ may be nil.
type Sources struct {
	Health func() map[string]bool
	Stats  func() types.PipelineStats
	DLQ    func() ([]byte, error)
}

// Server is the ops HTTP server.
type Server struct {
	config  config.ServerConfig
	logger  *logrus.Logger
	sources Sources
	httpSrv *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, sources Sources, logger *logrus.Logger) *Server {
	s := &Server{
		config:  cfg,
		logger:  logger,
		sources: sources,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if sources.DLQ != nil {
		router.HandleFunc("/dlq", s.handleDLQ).Methods(http.MethodGet)
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves in the background. A disabled server starts nothing.
func (s *Server) Start() {
	if !s.config.Enabled {
		return
	}
	s.logger.WithField("addr", s.config.Addr).Info("Ops server listening")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Ops server error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]bool{}
	if s.sources.Health != nil {
		components = s.sources.Health()
	}

	status := types.HealthStatus{
		Status:     "healthy",
		Components: components,
		CheckTime:  time.Now(),
	}
	healthy := 0
	for name, ok := range components {
		if ok {
			healthy++
		} else {
			status.Issues = append(status.Issues, name+" is unhealthy")
		}
	}
	code := http.StatusOK
	switch {
	case len(components) > 0 && healthy == 0:
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case healthy < len(components):
		status.Status = "degraded"
	}

	writeJSON(w, code, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.sources.Stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Stats())
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	data, err := s.sources.DLQ()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
