package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// StatusCoder is implemented by raw failures that carry an HTTP-like status.
type StatusCoder interface {
	HTTPStatus() int
}

// CodeCarrier is implemented by raw failures that carry a symbolic error code
// such as ECONNREFUSED.
type CodeCarrier interface {
	ErrorCode() string
}

// RetryAfterCarrier is implemented by raw failures that advertise a retry delay.
type RetryAfterCarrier interface {
	RetryDelay() time.Duration
}

// MessageCarrier is implemented by raw failures that carry an upstream message
// suitable for validation reporting.
type MessageCarrier interface {
	UpstreamMessage() string
}

var transientCodes = map[string]struct{}{
	"ECONNREFUSED":    {},
	"ECONNRESET":      {},
	"ETIMEDOUT":       {},
	"ESOCKETTIMEDOUT": {},
	"EPIPE":           {},
	"EAI_AGAIN":       {},
}

// Classify maps a raw failure onto the taxonomy. Errors that already belong to
// the taxonomy are returned unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe Error
	if errors.As(err, &fe) {
		return err
	}

	if status, ok := statusOf(err); ok {
		return classifyStatus(status, err)
	}

	if code, ok := codeOf(err); ok {
		if _, transient := transientCodes[code]; transient {
			return &UpstreamError{Transient: true, Original: err}
		}
		return &UpstreamError{Original: err}
	}

	if isTransientTransport(err) {
		return &UpstreamError{Transient: true, Original: err}
	}
	return &UpstreamError{Original: err}
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		rl := &RateLimitError{Original: err}
		var ra RetryAfterCarrier
		if errors.As(err, &ra) {
			rl.RetryAfter = ra.RetryDelay()
		}
		return rl
	case status == http.StatusNotFound:
		return &NotFoundError{}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		msg := "upstream rejected the request"
		var mc MessageCarrier
		if errors.As(err, &mc) && strings.TrimSpace(mc.UpstreamMessage()) != "" {
			msg = mc.UpstreamMessage()
		}
		return &ValidationError{Message: msg}
	case status >= 500:
		return &UpstreamError{StatusCode: status, Transient: true, Original: err}
	default:
		return &UpstreamError{StatusCode: status, Original: err}
	}
}

func statusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

func codeOf(err error) (string, bool) {
	var cc CodeCarrier
	if errors.As(err, &cc) && cc.ErrorCode() != "" {
		return strings.ToUpper(cc.ErrorCode()), true
	}
	return "", false
}

func isTransientTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	return false
}
