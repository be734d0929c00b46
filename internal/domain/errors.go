package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrNoPreparedImage      = errors.New("no prepared image available")
	ErrTelemetryUnavailable = errors.New("telemetry sink unavailable")
	ErrRunCancelled         = errors.New("run cancelled")
)

// ConfigError signals missing credentials or configuration. It is fatal for
// the whole run and is never retried.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Field)
}

// UpstreamError carries a non-2xx response from an external service.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Service, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.Status, e.Body)
}

// Retryable reports whether the upstream failure is transient.
func (e *UpstreamError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// TimeoutError marks a stage that exceeded its deadline. Timeouts are
// reported as a distinct terminal outcome and never retried.
type TimeoutError struct {
	Stage string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out", e.Stage)
}

// IsTimeout reports whether err represents an explicit deadline signal.
func IsTimeout(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRetryable reports whether err is a transient failure worth another
// attempt. Timeouts are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoPreparedImage) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}
