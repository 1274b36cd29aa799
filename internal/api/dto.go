package api

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Request lifecycle states reported by the ingress API. Terminal states
// match the journal's outcome values.
const (
	StateQueued    = "queued"
	StateInFlight  = "in_flight"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// SubmitRequest is the POST /v1/requests payload.
type SubmitRequest struct {
	Name   string            `json:"name"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
	Header map[string]string `json:"header"`
	Body   json.RawMessage   `json:"body"`
}

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

func (r *SubmitRequest) validate() error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		return errors.New("method is required")
	}
	if !allowedMethods[r.Method] {
		return errors.New("method must be one of GET, POST, PUT, PATCH, DELETE")
	}
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return errors.New("path must start with /")
	}
	return nil
}

// RequestStatus is the externally visible state of one submitted request.
// Result is only available while the request is still in the live window;
// journaled history keeps outcomes, not response bodies.
type RequestStatus struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation,omitempty"`
	Target     string          `json:"target"`
	Status     string          `json:"status"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
