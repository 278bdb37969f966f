package preflight

import (
	"errors"
	"fmt"
	"net/http"
)

// Issuer errors. Handler maps them to status codes and Client maps status
// codes back, so errors.Is works on both sides of the wire.
var (
	// ErrBadRequest indicates a request that could not be decoded.
	ErrBadRequest = errors.New("bad pre-flight request")

	// ErrUnauthorized indicates a bad signature, claim or stale request.
	ErrUnauthorized = errors.New("pre-flight request not authorized")

	// ErrRateLimited indicates the caller must slow down.
	ErrRateLimited = errors.New("pre-flight rate limited")
)

// StatusError is a non-200 answer from the pre-flight endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pre-flight request failed: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("pre-flight request failed: %s: %s", http.StatusText(e.StatusCode), e.Message)
}

// Is matches the sentinel for the status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
