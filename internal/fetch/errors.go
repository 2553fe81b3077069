package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrFetchExhausted matches any *ExhaustedError via errors.Is.
var ErrFetchExhausted = errors.New("fetch: attempts exhausted")

// TransportError wraps a network-level failure (dial, TLS, reset, timeout).
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch: transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response other than 429.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: %s responded %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// RateLimitedError reports a 429. RetryAfter is zero when the header was absent or unparseable.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("fetch: %s rate limited, retry after %s", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("fetch: %s rate limited", e.URL)
}

// StatusCode lets callers treat rate limiting as an upstream status.
func (e *RateLimitedError) StatusCode() int { return http.StatusTooManyRequests }

// DecodeError reports a 2xx response whose body was not valid JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fetch: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExhaustedError is returned once every attempt failed. Last is the error
// observed on the final attempt and stays reachable through errors.As.
type ExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch: %d attempt(s) exhausted for %s: %v", e.Attempts, e.URL, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrFetchExhausted }

// UpstreamStatus extracts the last HTTP status observed in err, or zero when
// the failure never produced a response.
func UpstreamStatus(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.StatusCode()
	}
	return 0
}
