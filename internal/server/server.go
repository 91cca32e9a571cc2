// Package server wires the HTTP admin and job API of a node.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/internal/observability"
	"github.com/3leaps/gopds/internal/server/handlers"
	"github.com/3leaps/gopds/internal/server/middleware"
)

// VersionInfo is returned by GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

// Timeouts bounds the underlying http.Server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

type Server struct {
	host     string
	port     int
	version  VersionInfo
	timeouts Timeouts
	logger   *zap.Logger
	jobs     *handlers.JobHandler
	admin    *handlers.AdminHandler

	router     chi.Router
	httpServer *http.Server
}

type Option func(*Server)

func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJobs mounts the job API under /api/job.
func WithJobs(h *handlers.JobHandler) Option {
	return func(s *Server) { s.jobs = h }
}

// WithAdmin mounts the admin API under /api/admin. Without it the admin
// routes are not registered.
func WithAdmin(h *handlers.AdminHandler) Option {
	return func(s *Server) { s.admin = h }
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: VersionInfo{Version: "dev"},
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
		logger: observability.CLILogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.versionHandler)

	if s.jobs != nil {
		r.Route("/api/job", func(r chi.Router) {
			r.Post("/create", s.jobs.Create)
			r.Get("/{jobUUID}/status", s.jobs.Status)
			r.Put("/{jobUUID}/cancel", s.jobs.Cancel)
			r.Put("/{jobUUID}/mark-ready-to-start", s.jobs.MarkReadyToStart)
		})
	}
	if s.admin != nil {
		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/monitoring/status", s.admin.MonitoringStatus)
			r.Get("/config/autoclean", s.admin.GetAutoCleanConfig)
			r.Put("/config/autoclean", s.admin.PutAutoCleanConfig)
			r.Get("/autoclean/results", s.admin.AutoCleanResults)
		})
	}
	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.version)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// ListenAndServe binds the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
