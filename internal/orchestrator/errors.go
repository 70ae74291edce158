package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devharbor/devharbor/internal/agentclient"
)

// PermanentError marks an error that must fail the task without retries.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// permanent wraps an error as permanent.
func permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// permanentf creates a permanent error from a format string.
func permanentf(format string, args ...interface{}) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

var permanentMarkers = []string{
	"not found",
	"limit_exceeded",
	"invalid",
	"forbidden",
	"unauthorized",
}

var transientMarkers = []string{
	"fetch failed",
	"network",
	"timeout",
	"econnrefused",
	"enotfound",
	"status 5",
	"429",
	"rate limit",
	"connection refused",
	"connection reset",
	"no such host",
	"deadline exceeded",
}

// IsPermanent classifies an error. Explicitly marked permanent errors win,
// then agent status codes, then transient markers, then permanent markers.
// Unknown errors default to transient so flaky externals get retried.
func IsPermanent(err error) bool {
	var pErr *PermanentError
	if errors.As(err, &pErr) {
		return true
	}

	// Agent responses carry a status code: 4xx means the request itself is
	// wrong and will not succeed on retry, except timeouts and throttling.
	var agentErr *agentclient.AgentError
	if errors.As(err, &agentErr) {
		switch agentErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return agentErr.StatusCode >= 400 && agentErr.StatusCode < 500
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryDelay computes the exponential backoff for the given retry count,
// capped at maxDelay.
func retryDelay(retryCount int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
