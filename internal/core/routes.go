package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"playsync/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts.
// It leaves room for a verification round-trip plus an acknowledgment call
// while staying under typical load balancer idle timeouts.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials.
var defaultRedactedHeaders = []string{
	"Authorization",
}

// MountRoutes defines the top-level routing hierarchy.
// It registers the global middleware chain, the /v1 API group, the webhook
// endpoints, and the health check.
func (s *Server) MountRoutes() {
	// Global Middleware Registration (strict order matters).
	s.registerGlobalMiddleware()

	// API Version Groups
	s.router.Route("/v1", s.mountV1)

	// Webhook endpoints live outside /v1 and outside bearer auth; each
	// carries its own shared-token verification.
	for _, registrar := range s.WebhookRouteRegistrars {
		registrar(s.router)
	}

	// Top-Level Routes
	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost to catch all failures.
//  2. ContextTimeout  - Sets soft deadline for the full sync pipeline.
//  3. RequestID       - Generates/propagates correlation ID for tracing.
//  4. SecurityHeaders - Ensures all responses include security headers.
//  5. RequestLogger   - Structured logging (redacted headers).
//  6. Metrics         - Request latency and count recording.
//  7. Auth            - Resolves Actor from the bearer API key.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.AuthMiddleware)
}

// mountV1 registers all v1 endpoints. Domain handler routes are registered via
// V1RouteRegistrars, which are populated by the application entry point.
// This indirection avoids import cycles between core and handler packages.
func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// If the context deadline is exceeded, downstream handlers receive a
// cancelled context; the response is controlled by the handler's behavior
// on context cancellation.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs and traces. If the incoming request contains an
// X-Request-Id header, that value is reused; otherwise, a new random ID is
// generated.
//
// The request ID is stored in the context via types.WithRequestID and set as
// the X-Request-Id response header for client correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Store in context for downstream access.
		ctx := types.WithRequestID(r.Context(), requestID)

		// Set the response header so clients can correlate responses.
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
