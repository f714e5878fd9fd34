package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/alert"
	"github.com/keelhq/keel/internal/health"
	"github.com/keelhq/keel/internal/metrics"
)

// Server exposes the monitor read surface over HTTP: Prometheus text on
// /metrics, the latest health report on /healthz, and the alert store on
// /alerts.
type Server struct {
	srv    *http.Server
	router *mux.Router
	log    zerolog.Logger

	registry *metrics.Registry
	engine   *alert.Engine
	health   *health.Scheduler
}

// NewServer builds the HTTP server. It does not listen until Start.
func NewServer(addr string, registry *metrics.Registry, engine *alert.Engine, h *health.Scheduler, log zerolog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		log:      log.With().Str("component", "monitor_http").Logger(),
		registry: registry,
		engine:   engine,
		health:   h,
	}
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("monitor http listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(s.registry.Expose()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	report := s.health.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []alert.Alert
	if r.URL.Query().Get("active") == "true" {
		alerts = s.engine.Active()
	} else {
		alerts = s.engine.List()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("encode response failed")
	}
}
