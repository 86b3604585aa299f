package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"playsync/internal/types"
)

// Authenticator decouples the HTTP layer from the specific auth mechanism,
// allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveKey verifies the presented API key and returns the Actor it
	// authenticates as.
	//
	// Returns ErrCodeAuthTokenInvalid if the key does not match.
	ResolveKey(ctx context.Context, key string) (*types.Actor, error)
}

// APIKeyAuthenticator authenticates bearer keys against a bcrypt hash of the
// single service API key. The raw key is held only by mobile backend callers;
// the server configuration carries just the hash.
type APIKeyAuthenticator struct {
	hash []byte
}

// NewAPIKeyAuthenticator creates an authenticator for the configured key hash.
func NewAPIKeyAuthenticator(hash types.SecretString) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{hash: []byte(hash.Unmask())}
}

// ResolveKey compares the presented key against the configured bcrypt hash.
// A successful match yields a device Actor; the user the request acts on is
// carried in the request body, not the credential.
func (a *APIKeyAuthenticator) ResolveKey(_ context.Context, key string) (*types.Actor, error) {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", err)
	}
	return &types.Actor{Type: types.ActorTypeDevice}, nil
}

// authPublicPaths lists URL paths that are exempt from authentication.
// The webhook endpoint carries its own shared-token check instead.
var authPublicPaths = map[string]bool{
	"/health":        true,
	"/webhooks/play": true,
}

// AuthMiddleware wraps handlers requiring authentication.
//
//  1. Extracts the Bearer token from the Authorization header.
//  2. Calls Authenticator.ResolveKey to resolve the key to an Actor.
//  3. Injects the Actor into the request context via types.WithActor.
//  4. Returns 401 Unauthorized on failure with distinct error codes:
//     - auth_token_missing: No Authorization header or empty Bearer token.
//     - auth_token_invalid: Key does not match the configured hash.
//
// If the Authenticator field on Server is nil (e.g., during tests that don't
// inject one), the middleware passes through without authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no authenticator is configured, pass through.
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Skip authentication for public paths.
		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// Extract the Authorization header.
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		// Parse the Bearer token.
		key := extractBearerToken(authHeader)
		if key == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		// Resolve the key to an Actor.
		actor, err := s.Authenticator.ResolveKey(r.Context(), key)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}

		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API key")
			return
		}

		// Inject the Actor into the request context.
		ctx := types.WithActor(r.Context(), *actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses the Authorization header value and returns
// the token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	// Case-insensitive comparison of the "Bearer " scheme prefix per RFC 7235.
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	token := authHeader[len(prefix):]
	return strings.TrimSpace(token)
}

// handleAuthError inspects the error from Authenticator.ResolveKey and
// writes the appropriate 401 response with the correct error code.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthKeyRevoked:
			s.Logger.Warn("authentication failed: key invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API key")
			return
		}
	}

	// Generic error: log it but don't leak internal details.
	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	requestID := types.GetRequestID(r.Context())
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
