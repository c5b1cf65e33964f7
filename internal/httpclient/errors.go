// Package httpclient implements the classified-error, retrying HTTP client
// shared by the Fast Apply engine and the Agentic Search harness.
package httpclient

import (
	"fmt"
	"time"
)

// Kind is the classification tag for a failed request. Modeled as a sum
// type rather than a class hierarchy, per the polymorphic-exceptions
// strategy for the HTTP layer: callers pattern-match the tag instead of
// walking an inheritance chain.
type Kind int

const (
	KindApplication Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindResourceLocked
	KindRateLimit
	KindServer
	KindTimeout
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindResourceLocked:
		return "resource_locked"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "application"
	}
}

// Retryable reports whether a request that failed with this kind should be
// retried by the caller's policy.
func (k Kind) Retryable() bool {
	switch k {
	case KindResourceLocked, KindRateLimit, KindServer, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is the structured error returned for any non-success classification.
// It carries the HTTP status (0 for transport-level failures), a
// provider-defined short code parsed from the body, a human message, and the
// raw response text for diagnostics.
type Error struct {
	Kind       Kind
	Status     int
	Code       string
	Message    string
	RawBody    string
	RetryAfter time.Duration // parsed from the Retry-After header, if present
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (HTTP %d, code=%s): %s", e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether this specific error should be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}
