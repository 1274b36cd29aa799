package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Kind classifies a failed dispatch attempt and drives the retry decision.
type Kind int

const (
	KindOther        Kind = iota // unrecognized failure, terminal
	KindNetwork                  // connection refused, timeout, DNS failure
	KindRateLimit                // HTTP 429
	KindServerError              // HTTP 5xx
	KindAuthRequired             // HTTP 401/403, credential needs a refresh
	KindTokenInvalid             // credential unrecoverable, triggers sign-out
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindAuthRequired:
		return "auth_required"
	case KindTokenInvalid:
		return "token_invalid"
	default:
		return "other"
	}
}

// Retryable reports whether the scheduler may re-enqueue a failure of this
// kind. Auth failures are resolved inside the guard, never by re-enqueue.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindServerError:
		return true
	default:
		return false
	}
}

// Error is a classified dispatch failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status when known, 0 otherwise

	// RetryAfter is a server-directed wait before the next attempt.
	// 0 means none was given and the computed backoff applies.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Carrier interfaces let transport errors describe themselves without this
// package importing the transport.
type (
	statusCarrier     interface{ HTTPStatus() int }
	retryAfterCarrier interface{ RetryAfterHint() time.Duration }
	revokedCarrier    interface{ CredentialRevoked() bool }
)

// Classify maps an arbitrary failure onto the taxonomy. Already classified
// errors pass through unchanged, so the call is idempotent. Classification
// is pure: no side effects, no retention of the input.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	// Cancellation is caller intent, not a transport fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindOther, Err: err}
	}

	var sc statusCarrier
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus(), err)
	}

	if isNetworkFault(err) {
		return &Error{Kind: KindNetwork, Err: err}
	}

	return &Error{Kind: KindOther, Err: err}
}

func classifyStatus(status int, err error) *Error {
	ce := &Error{Status: status, Err: err}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ce.Kind = KindAuthRequired
		// A revoked credential has no refresh path left.
		var rc revokedCarrier
		if errors.As(err, &rc) && rc.CredentialRevoked() {
			ce.Kind = KindTokenInvalid
		}
	case status == http.StatusTooManyRequests:
		ce.Kind = KindRateLimit
		var ra retryAfterCarrier
		if errors.As(err, &ra) {
			ce.RetryAfter = ra.RetryAfterHint()
		}
	case status >= 500:
		ce.Kind = KindServerError
	default:
		ce.Kind = KindOther
	}

	return ce
}

func isNetworkFault(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Dropped connections surface as EOF mid-response.
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
