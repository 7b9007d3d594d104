package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"catalog-proxy-go/circuitbreaker"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/services/upstream"
)

// RateLimitError rejects a caller over its window threshold.
type RateLimitError struct {
	RetryAfter time.Duration
	Limit      int
	Remaining  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, retry in %v", e.Limit, e.RetryAfter)
}

// SessionExpiredError is returned once a session-expired failure has been
// notified and queued for replay.
type SessionExpiredError struct {
	Upstream string
	Err      error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("%s session credential expired: %v", e.Upstream, e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

const (
	sessionExpiredError   = "One or more authentication tokens have expired. An admin has been notified to refresh them."
	sessionExpiredMessage = "Please try again in a few minutes."
)

// classify maps a pipeline error to its response status and body.
func classify(err error) (int, ErrorBody) {
	var (
		rateErr *RateLimitError
		sessErr *SessionExpiredError
		reqErr  *upstream.RequestError
		upErr   *upstream.Error
	)

	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, ErrorBody{Error: "Too Many Requests", Message: "Please try again later"}
	case errors.As(err, &sessErr):
		return http.StatusUnauthorized, ErrorBody{Error: sessionExpiredError, Message: sessionExpiredMessage}
	case errors.As(err, &reqErr):
		return reqErr.Status, ErrorBody{Error: reqErr.Title, Message: reqErr.Message}
	case errors.As(err, &upErr):
		return upErr.Status, ErrorBody{Error: upErr.Message}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, ErrorBody{Error: "Service Unavailable", Message: "Upstream is temporarily unavailable"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "Internal server error"}
	}
}

func rateLimitError(d ratelimit.Decision) *RateLimitError {
	return &RateLimitError{RetryAfter: d.RetryAfter, Limit: d.Limit, Remaining: d.Remaining}
}
