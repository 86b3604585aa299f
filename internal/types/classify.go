package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is the coarse failure taxonomy consulted at every external-call
// boundary. It drives retry policy: Network and Timeout failures are safe to
// retry by re-invoking the whole sync, InvalidToken and Platform are terminal
// for the invocation.
type FailureKind string

const (
	FailureNetwork      FailureKind = "network"
	FailureTimeout      FailureKind = "timeout"
	FailureInvalidToken FailureKind = "invalid_token"
	FailurePlatform     FailureKind = "platform_error"
	FailureGeneric      FailureKind = "generic"
)

// Retryable reports whether a failure of this kind is a candidate for
// caller-side retry with backoff.
func (k FailureKind) Retryable() bool {
	return k == FailureNetwork || k == FailureTimeout
}

// kindByCode maps AppError codes onto the failure taxonomy. Codes not listed
// here classify as generic.
var kindByCode = map[ErrorCode]FailureKind{
	ErrCodeUpstreamNetwork:      FailureNetwork,
	ErrCodeUpstreamUnavailable:  FailureNetwork,
	ErrCodeUpstreamRateLimited:  FailureNetwork,
	ErrCodeUpstreamTimeout:      FailureTimeout,
	ErrCodeBillingInvalidToken:  FailureInvalidToken,
	ErrCodeBillingTokenNotFound: FailureInvalidToken,
	ErrCodeBillingPlatform:      FailurePlatform,
}

// Classify maps an arbitrary error from a network or billing call into the
// failure taxonomy. Classification order matters: context deadlines and
// net.Error timeouts are checked before the AppError code so that a wrapped
// timeout is never misreported as its outer code.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureGeneric
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if kind, ok := kindByCode[appErr.Code]; ok {
			return kind
		}
	}

	return FailureGeneric
}

// TechnicalMessage extracts a human-readable technical message from an
// arbitrary error-shaped value for logging. It understands native errors,
// maps carrying a nested "details"/"message" shape (as produced by remote
// JSON error payloads decoded into map[string]any), and falls back to the
// value's default formatting. The result is for operator logs only and is
// never shown to end users.
func TechnicalMessage(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case error:
		return val.Error()
	case string:
		return val
	case map[string]any:
		if details, ok := val["details"].(map[string]any); ok {
			if msg, ok := details["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := val["message"].(string); ok && msg != "" {
			return msg
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
