package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks a broker 429 that survived every retry.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransport marks timeouts and connection failures that survived every retry.
	ErrTransport = errors.New("transport failure")
)

// APIError is returned for non-success responses, error payloads and exhausted retries.
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Method, e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + truncate(e.Body, 256)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err stems from an exhausted 429 backoff.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
