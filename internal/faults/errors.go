// Package faults defines the error taxonomy shared by every access-layer
// component. Each failure kind is a distinct type implementing Error so callers
// can switch on Kind or use errors.As for the variant they care about.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind labels a failure for retry, breaker, and reporting decisions.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindRateLimit     Kind = "rate_limit"
	KindUpstream      Kind = "upstream"
	KindCircuitOpen   Kind = "circuit_open"
	KindConfiguration Kind = "configuration"
	// KindUnknown is reported for errors that never passed through Classify.
	KindUnknown Kind = "unknown"
)

// Error is implemented by every variant of the taxonomy.
type Error interface {
	error
	Kind() Kind
}

// ValidationError reports malformed input or an unsupported capability.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Details, "; "))
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// NotFoundError reports a missing resource instance.
type NotFoundError struct {
	Resource   string
	Identifier string
}

func (e *NotFoundError) Error() string {
	resource := e.Resource
	if resource == "" {
		resource = "resource"
	}
	if e.Identifier == "" {
		return fmt.Sprintf("%s not found", resource)
	}
	return fmt.Sprintf("%s %q not found", resource, e.Identifier)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

// RateLimitError reports an upstream 429. RetryAfter is zero when the upstream
// did not advertise a delay.
type RateLimitError struct {
	RetryAfter time.Duration
	Original   error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "upstream rate limit exceeded"
}

func (e *RateLimitError) Kind() Kind    { return KindRateLimit }
func (e *RateLimitError) Unwrap() error { return e.Original }

// UpstreamError reports any other upstream failure. StatusCode is zero for
// transport failures that never produced a response.
type UpstreamError struct {
	StatusCode int
	Transient  bool
	Original   error
}

func (e *UpstreamError) Error() string {
	msg := "upstream request failed"
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	if e.Original != nil {
		return fmt.Sprintf("%s: %v", msg, e.Original)
	}
	return msg
}

func (e *UpstreamError) Kind() Kind    { return KindUpstream }
func (e *UpstreamError) Unwrap() error { return e.Original }

// CircuitOpenError is returned instead of calling a guarded operation.
type CircuitOpenError struct {
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.NextAttempt.IsZero() {
		return "circuit breaker is open"
	}
	return fmt.Sprintf("circuit breaker is open until %s", e.NextAttempt.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// ConfigurationError lists required settings that were absent at startup.
type ConfigurationError struct {
	MissingKeys []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.MissingKeys, ", "))
}

func (e *ConfigurationError) Kind() Kind { return KindConfiguration }

// Validation builds a ValidationError.
func Validation(message string, details ...string) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}

// NotFound builds a NotFoundError.
func NotFound(resource, identifier string) *NotFoundError {
	return &NotFoundError{Resource: resource, Identifier: identifier}
}

// KindOf returns the Kind of the first taxonomy error in err's chain.
func KindOf(err error) Kind {
	var fe Error
	if errors.As(err, &fe) {
		return fe.Kind()
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt: rate limits and
// transient upstream failures.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Transient
	}
	return false
}

// IsUpstreamFault reports whether err reflects an unhealthy upstream rather than
// a caller mistake. Only these failures count against a circuit breaker.
// Transport failures without a status count; a cancelled caller does not.
func IsUpstreamFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindCircuitOpen, KindConfiguration:
		return false
	case KindUpstream:
		var up *UpstreamError
		errors.As(err, &up)
		return up.Transient || up.StatusCode == 0 || up.StatusCode >= 500
	default:
		return true
	}
}

// IsUpstreamAnswer reports whether err is a definitive response from a healthy
// upstream: validation and not-found failures, or a non-5xx status.
func IsUpstreamAnswer(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound:
		return !errors.Is(err, context.Canceled)
	case KindUpstream:
		var up *UpstreamError
		errors.As(err, &up)
		return up.StatusCode > 0 && up.StatusCode < 500 && !up.Transient
	default:
		return false
	}
}
