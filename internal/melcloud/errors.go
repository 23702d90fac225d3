package melcloud

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors for MELCloud transport failures.
//
// Every error returned by the client wraps exactly one of these, so callers
// can branch on the failure class with errors.Is() without inspecting
// HTTP details:
//
//	if errors.Is(err, melcloud.ErrAuthFailed) {
//	    // Credentials rejected or token unrecoverable
//	}
var (
	// ErrAuthFailed indicates credentials were rejected, or an expired token
	// could not be renewed by a silent re-login.
	ErrAuthFailed = errors.New("melcloud: authentication failed")

	// ErrRateLimited indicates the cloud throttled the request (HTTP 429).
	// The error may carry a Retry-After hint, see RateLimitError.
	ErrRateLimited = errors.New("melcloud: rate limited")

	// ErrNetwork indicates a connectivity failure or an unexpected HTTP status.
	ErrNetwork = errors.New("melcloud: network error")

	// ErrMalformedResponse indicates the cloud answered with a body that
	// could not be decoded. MELCloud is known to return HTML error pages
	// with a 200 status under some failure modes.
	ErrMalformedResponse = errors.New("melcloud: malformed response")

	// ErrUnsupportedDeviceType is returned when a write targets a device
	// type the client has no set endpoint for.
	ErrUnsupportedDeviceType = errors.New("melcloud: unsupported device type")

	// errTokenRejected marks a 401/403 internally so the client can attempt
	// one silent re-login before surfacing ErrAuthFailed.
	errTokenRejected = errors.New("melcloud: context key rejected")
)

// RateLimitError wraps ErrRateLimited with the server's Retry-After hint.
//
// RetryAfter is zero when the server sent no hint or the header was
// unparseable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("melcloud: rate limited (retry after %s)", e.RetryAfter)
	}
	return "melcloud: rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// newRateLimitError builds a RateLimitError from a Retry-After header value.
// Only the delta-seconds form is parsed; HTTP-date values are ignored.
func newRateLimitError(retryAfter string) *RateLimitError {
	e := &RateLimitError{}
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
