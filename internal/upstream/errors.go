package upstream

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error codes the partner API uses to signal a credential that cannot be
// refreshed. Anything else on a 401/403 is treated as recoverable.
var revokedCodes = map[string]bool{
	"token_revoked":    true,
	"invalid_grant":    true,
	"account_disabled": true,
}

// StatusError is a non-2xx response from the partner API. It carries the
// metadata the dispatch taxonomy reads: status, server retry directive,
// and credential revocation.
type StatusError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d", e.Status)
}

func (e *StatusError) HTTPStatus() int { return e.Status }

func (e *StatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e *StatusError) CredentialRevoked() bool { return revokedCodes[e.Code] }

// parseRetryAfter reads a Retry-After header value, either delay-seconds
// or an HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

// statusClass buckets a status code for metrics ("2xx", "4xx", ...).
func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
