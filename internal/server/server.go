// Package server is the read-only ops HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/internal/server/handlers"
	"github.com/3leaps/jobline/internal/server/middleware"
	"github.com/3leaps/jobline/pkg/jobstore"
)

// Server serves health, job lookups and local pipeline state.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	logger *zap.Logger

	health    *handlers.HealthManager
	store     jobstore.Store
	pool      handlers.PoolReporter
	consumers []handlers.StatsReporter
	version   string

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables the /v1/jobs endpoints.
func WithStore(s jobstore.Store) Option { return func(srv *Server) { srv.store = s } }

// WithPool enables /v1/workers.
func WithPool(p handlers.PoolReporter) Option { return func(srv *Server) { srv.pool = p } }

// WithConsumers enables /v1/consumers.
func WithConsumers(c ...handlers.StatsReporter) Option {
	return func(srv *Server) { srv.consumers = append(srv.consumers, c...) }
}

// WithHealth replaces the default health manager.
func WithHealth(h *handlers.HealthManager) Option { return func(srv *Server) { srv.health = h } }

// WithLogger sets the request and panic logger.
func WithLogger(l *zap.Logger) Option { return func(srv *Server) { srv.logger = l } }

// WithVersion sets the version reported by /version and /health.
func WithVersion(v string) Option { return func(srv *Server) { srv.version = v } }

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(srv *Server) {
		if read > 0 {
			srv.readTimeout = read
		}
		if write > 0 {
			srv.writeTimeout = write
		}
		if idle > 0 {
			srv.idleTimeout = idle
		}
	}
}

// New builds the router. Endpoints whose dependency was not supplied are not
// registered.
func New(host string, port int, opts ...Option) *Server {
	srv := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		version:      "dev",
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.health == nil {
		srv.health = handlers.NewHealthManager(srv.version)
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoveryWithLogger(s.logger))
	r.Use(middleware.Logging(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path, nil)
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/health/startup", s.health.StartupHandler)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", s.version)
	})

	if s.store == nil && s.pool == nil && len(s.consumers) == 0 {
		s.router = r
		return
	}
	r.Route("/v1", func(r chi.Router) {
		if s.store != nil {
			jobs := &handlers.Jobs{Store: s.store}
			r.Get("/jobs", jobs.ListByStatus)
			r.Get("/jobs/{jobID}", jobs.Get)
			r.Get("/users/{userID}/jobs", jobs.ListByUser)
		}
		if s.pool != nil {
			r.Get("/workers", handlers.Workers(s.pool))
		}
		if len(s.consumers) > 0 {
			r.Get("/consumers", handlers.Consumers(s.consumers...))
		}
	})
	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Health returns the manager so callers can register checkers.
func (s *Server) Health() *handlers.HealthManager { return s.health }

// ListenAndServe serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:              net.JoinHostPort(s.host, fmt.Sprint(s.port)),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return nil
}
