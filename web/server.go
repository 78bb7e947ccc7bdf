// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package web serves the dashboard JSON API, health checks and Prometheus
// metrics over a chi router.
package web

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/registry"
	"github.com/soothill/rack-power-monitor/storage"
)

const (
	readinessCheckTimeout = 2 * time.Second
	maxBodyBytes          = 1 << 20

	// health checks share a token bucket of 10/s with a burst of 20
	healthRate  = 10
	healthBurst = 20
)

// Registry is the device registry as the API uses it.
type Registry interface {
	List() []registry.DeviceInfo
	Get(name string) (registry.DeviceInfo, error)
	Add(ctx context.Context, req registry.AddRequest) (registry.DeviceInfo, error)
	Update(oldName string, req registry.UpdateRequest) (registry.DeviceInfo, error)
	Delete(name string) error
	Clear() error
	Start(ctx context.Context, name string, opts registry.StartOptions) error
	Pause(name string) error
	Resume(name string) error
	Stop(name string) error
	TestConnection(ctx context.Context, name string, manual *credentials.Credential) (float64, bool, error)
	Readings(name string) (monitoring.Summary, error)
	ImportCSV(ctx context.Context, in io.Reader) (registry.ImportResult, error)
	ExportCSV(w io.Writer) error
	Settings() registry.SettingsView
	UpdateSettings(req registry.SettingsRequest) (registry.SettingsView, error)
	ResetSettings() (registry.SettingsView, error)
}

// SessionStore lists session files on disk.
type SessionStore interface {
	ListSessions() ([]storage.SessionInfo, error)
	OpenSession(file string) ([]storage.Sample, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options wires the router.
type Options struct {
	Registry Registry
	Sessions SessionStore
	// Ready is checked by /ready; nil means always ready
	Ready HealthChecker
	// MCP is mounted at /mcp when set
	MCP    http.Handler
	Logger zerolog.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	registry Registry
	sessions SessionStore
	ready    HealthChecker
	logger   zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		registry: opts.Registry,
		sessions: opts.Sessions,
		ready:    opts.Ready,
		logger:   opts.Logger.With().Str("component", "web").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(requestLogger(s.logger))

	checks := rate.NewLimiter(healthRate, healthBurst)
	r.Get("/health", rateLimit(checks, s.logger, s.health))
	r.Get("/ready", rateLimit(checks, s.logger, s.readiness))
	r.Handle("/metrics", promhttp.Handler())
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache)

		r.Route("/racks", func(r chi.Router) {
			r.Get("/", s.listRacks)
			r.Post("/", s.addRack)
			r.Delete("/", s.clearRacks)
			r.Post("/import", s.importRacks)
			r.Get("/export", s.exportRacks)
		})

		r.Route("/rack/{name}", func(r chi.Router) {
			r.Get("/", s.getRack)
			r.Put("/", s.updateRack)
			r.Delete("/", s.deleteRack)
			r.Get("/data", s.rackData)
			r.Get("/export", s.exportReadings)
			r.Post("/start", s.startRack)
			r.Post("/pause", s.pauseRack)
			r.Post("/resume", s.resumeRack)
			r.Post("/stop", s.stopRack)
			r.Post("/test", s.testRack)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.getSettings)
			r.Put("/", s.updateSettings)
			r.Post("/reset", s.resetSettings)
		})

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{file}", s.getSession)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write health check response")
	}
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
		defer cancel()
		if err := s.ready.Health(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
				s.logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("READY")); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write readiness check response")
	}
}
