package domain

import (
	"encoding/json"
	"time"
)

// Outcome is the terminal state of a delivery.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// CallSpec describes an outbound request submitted through the ingress API.
type CallSpec struct {
	Name   string            `json:"name,omitempty"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Header map[string]string `json:"header,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// Target is the "METHOD /path" label used for journaling and logs.
func (c CallSpec) Target() string {
	return c.Method + " " + c.Path
}

// Delivery is the journal record of one request that reached a terminal
// state. Only finished work is journaled; queued items live in memory.
type Delivery struct {
	ID         string    `db:"id"          json:"id"`
	Operation  string    `db:"operation"   json:"operation"`
	Target     string    `db:"target"      json:"target"`
	Outcome    Outcome   `db:"outcome"     json:"outcome"`
	ErrorKind  string    `db:"error_kind"  json:"error_kind,omitempty"`
	ErrorText  string    `db:"error_text"  json:"error_text,omitempty"`
	Attempts   int       `db:"attempts"    json:"attempts"`
	EnqueuedAt time.Time `db:"enqueued_at" json:"enqueued_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
}
