// Package core is the HTTP chassis of the billing API: a chi router with the
// shared middleware chain, JSON response helpers and health probes. Domain
// handlers register themselves through RouteRegistrars so core never imports
// them.
package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tutorbill/internal/config"
)

// RouteRegistrar mounts a group of routes on the root router.
type RouteRegistrar func(r chi.Router)

// Server holds the router and its dependencies.
type Server struct {
	Config          *config.Config
	Logger          *slog.Logger
	Validator       *Validator
	HealthProbes    []HealthProbe
	RouteRegistrars []RouteRegistrar

	// closers run on Shutdown in reverse registration order.
	closers []func()
	router  *chi.Mux
}

// NewServer creates a Server. Routes are mounted by MountRoutes once the
// caller has filled in HealthProbes and RouteRegistrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown.
func (s *Server) OnShutdown(fn func()) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases resources registered with OnShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.closers[i]()
	}
	s.closers = nil
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
