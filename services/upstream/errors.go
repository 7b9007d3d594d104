package upstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

var (
	// ErrSessionExpired marks an upstream refusal caused by an expired or
	// revoked session credential.
	ErrSessionExpired = errors.New("upstream session credential expired")

	// ErrInvalidPayload is returned when a 2xx body is not JSON.
	ErrInvalidPayload = errors.New("upstream returned a non-JSON payload")
)

// Error is a non-2xx upstream response.
type Error struct {
	Upstream string
	Status   int
	Message  string
	Code     string // upstream error code, when the body carries one
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s responded %d (%s): %s", e.Upstream, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s responded %d: %s", e.Upstream, e.Status, e.Message)
}

// Is lets errors.Is(err, ErrSessionExpired) match classified responses.
func (e *Error) Is(target error) bool {
	return target == ErrSessionExpired && e.sessionExpired()
}

// sessionExpired is decided by status alone. A body code such as
// AUTH_TOKEN_EXPIRED on any other status stays an ordinary upstream error.
func (e *Error) sessionExpired() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsSessionExpired reports whether err means the session credential must be
// refreshed: a 401 or 403 response, or anything wrapping ErrSessionExpired.
// It has no side effects.
func IsSessionExpired(err error) bool {
	return err != nil && errors.Is(err, ErrSessionExpired)
}

// newError builds an Error from a response body, pulling a human message out
// of the common JSON error shapes.
func newError(name string, status int, body []byte) *Error {
	e := &Error{Upstream: name, Status: status}

	if gjson.ValidBytes(body) {
		for _, path := range []string{"errors.0.detail", "errors.0.title", "error.message", "error", "message"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				e.Message = r.Str
				break
			}
		}
		for _, path := range []string{"errors.0.code", "error.code", "code"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.String() != "" {
				e.Code = r.String()
				break
			}
		}
	}

	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// RequestError rejects an inbound request before any upstream call is made.
type RequestError struct {
	Status  int
	Title   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Title, e.Message)
}

// BadRequest reports a request the upstream could never answer.
func BadRequest(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Title: "Bad Request", Message: message}
}
