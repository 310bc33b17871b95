// Package server wires the HTTP API: routing, middleware, and lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/internal/metrics"
	"github.com/seqtrace/bioengine/internal/server/handlers"
	"github.com/seqtrace/bioengine/internal/server/middleware"
	"github.com/seqtrace/bioengine/pkg/registry"
)

// Options configures a Server. Host and Port are required; the remaining
// dependencies may be nil, in which case the matching routes are omitted.
type Options struct {
	Host string
	Port int

	Logger    *zap.Logger
	Scheduler handlers.Submitter
	Registry  *registry.Registry
	Metrics   *metrics.Collector
	Version   handlers.VersionInfo

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP front end of the engine.
type Server struct {
	host   string
	port   int
	router *chi.Mux
	http   *http.Server
	health *handlers.HealthManager
	logger *zap.Logger
}

// New builds a server with all middleware and routes registered.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		host:   opts.Host,
		port:   opts.Port,
		router: chi.NewRouter(),
		health: handlers.NewHealthManager(opts.Version.Version),
		logger: logger,
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.RequestLogger(logger))
	s.router.Use(middleware.RecoveryWithLogger(logger))

	s.router.NotFound(middleware.NotFound)
	s.router.MethodNotAllowed(middleware.MethodNotAllowed)

	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/version", handlers.VersionHandler(opts.Version))

	if opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	if opts.Scheduler != nil && opts.Registry != nil {
		jobs := handlers.NewJobs(opts.Scheduler, opts.Registry, logger)
		s.router.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.Submit)
			r.Get("/", jobs.List)
			r.Get("/{id}", jobs.Get)
			r.Post("/{id}/cancel", jobs.Cancel)
			r.Delete("/{id}", jobs.Delete)
		})
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// RegisterChecker adds a subsystem check to the /health endpoint.
func (s *Server) RegisterChecker(name string, c handlers.Checker) {
	s.health.RegisterChecker(name, c)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Start runs the HTTP server until it is shut down. It blocks and returns
// nil on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
