// Package graph talks to the Azure AD Graph API: an HTTP transport with
// per-request bearer tokens, retry, rate limiting, and error classification,
// plus the identity lookup and thumbnail-photo operations built on it.
package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("graph: bad request")
	ErrUnauthorized    = errors.New("graph: unauthorized")
	ErrForbidden       = errors.New("graph: forbidden")
	ErrNotFound        = errors.New("graph: not found")
	ErrConflict        = errors.New("graph: conflict")
	ErrTooLarge        = errors.New("graph: request entity too large")
	ErrUnsupportedType = errors.New("graph: unsupported media type")
	ErrThrottled       = errors.New("graph: throttled")
	ErrServerError     = errors.New("graph: server error")
)

// ErrLookupFailure is the sentinel for a failed identity lookup.
// Use errors.Is(err, graph.ErrLookupFailure) to check.
var ErrLookupFailure = errors.New("graph: identity lookup failed")

// GraphError wraps a sentinel error with HTTP status code, the server's
// request ID, the client-request-id we sent, and the API error body.
type GraphError struct {
	StatusCode      int
	RequestID       string
	ClientRequestID string
	Message         string
	Err             error // sentinel, for errors.Is()
}

func (e *GraphError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s, client-request-id: %s): %s",
			e.StatusCode, e.RequestID, e.ClientRequestID, e.Message)
	}

	if e.ClientRequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (client-request-id: %s): %s", e.StatusCode, e.ClientRequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// LookupError reports why the caller's identity could not be resolved.
// It matches ErrLookupFailure and is never retried.
type LookupError struct {
	Reason string
	Err    error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph: identity lookup failed: %s: %v", e.Reason, e.Err)
	}

	return "graph: identity lookup failed: " + e.Reason
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Is makes every LookupError match ErrLookupFailure.
func (e *LookupError) Is(target error) bool {
	return target == ErrLookupFailure
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusUnsupportedMediaType:
		return ErrUnsupportedType
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// Throttling (429) is not retried here; the rate limiter absorbs Retry-After.
func isRetryable(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
