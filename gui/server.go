// Package gui serves the observability HTTP surface: health probes,
// Prometheus metrics, a JSON REST view of the hub, and a static
// status page.
package gui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/clientserver"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/health"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
)

//go:embed static
var staticFiles embed.FS

// Config holds the observability server settings.
type Config struct {
	Host        string
	Port        int
	EnableGUI   bool
	CORSOrigins []string
}

// Dependencies are the hub views the server renders.
type Dependencies struct {
	Router   *router.Router
	Sessions func() []clientserver.SessionInfo
	Health   *health.Monitor
	Metrics  http.Handler
	Version  string
}

// Server is the observability HTTP server.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	started    atomic.Bool
}

// NewServer creates the observability server.
func NewServer(cfg Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Router == nil || deps.Health == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gui", "NewServer", "router and health are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}, nil
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/health", s.deps.Health.Handler())
	r.Get("/health/live", s.deps.Health.LivenessHandler())
	r.Get("/health/ready", s.deps.Health.ReadinessHandler())

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/state", s.handleState)
		api.Get("/clients", s.handleClients)
	})

	if s.cfg.EnableGUI {
		static, err := fs.Sub(staticFiles, "static")
		if err == nil {
			r.Handle("/*", http.FileServer(http.FS(static)))
		}
	}

	return r
}

// Initialize prepares the server.
func (s *Server) Initialize() error {
	return nil
}

// Start opens the listener and serves.
func (s *Server) Start(_ context.Context) error {
	if s.started.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "gui", "Start", "check state")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "gui", "Start", "open listener")
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server stopped", "error", err)
		}
	}()

	s.started.Store(true)
	s.logger.Info("observability server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.started.Store(false)
	return err
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.deps.Version,
		"stats":   s.deps.Router.Stats(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Store().GetSnapshot())
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	var sessions []clientserver.SessionInfo
	if s.deps.Sessions != nil {
		sessions = s.deps.Sessions()
	}
	writeJSON(w, http.StatusOK, sessions)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
