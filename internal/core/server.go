// Package core provides the API chassis for the PlaySync service.
// It creates a chi router that enforces cross-cutting concerns -- request
// correlation, logging, authentication, and error handling -- before requests
// reach the entitlement handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"playsync/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or equivalent backends.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies for the PlaySync API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator // Resolves API keys to Actors; injected for testability.

	// HealthProbes are the subsystem checks executed by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. Populated by the
	// application entry point to avoid import cycles between core and
	// handler packages.
	V1RouteRegistrars []func(chi.Router)

	// WebhookRouteRegistrars mount webhook endpoints at the router root,
	// outside the /v1 namespace and outside bearer authentication.
	WebhookRouteRegistrars []func(chi.Router)

	// Internal router
	router *chi.Mux

	// cleanup functions run during Shutdown, in registration order.
	cleanup []func() error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// AddCleanup registers a function to run during Shutdown. Typical callers
// register the database pool close here.
func (s *Server) AddCleanup(fn func() error) {
	s.cleanup = append(s.cleanup, fn)
}

// Shutdown performs a graceful termination of server resources by running
// all registered cleanup functions. The first error encountered is returned
// after all functions have run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, fn := range s.cleanup {
		if err := fn(); err != nil {
			s.Logger.Error("error during shutdown cleanup", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
