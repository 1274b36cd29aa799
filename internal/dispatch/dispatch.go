// Package dispatch implements the outbound request scheduler.
//
// This package contains:
//   - Scheduler: bounded FIFO admission, pacing, and concurrency control
//   - Guard: per-attempt credential validation and auth recovery
//   - Policy: capped exponential backoff with jitter
//   - Kind/Error/Classify: the failure taxonomy driving retry decisions
//   - Ticket: the exactly-once completion handle returned to submitters
package dispatch

import "context"

// Operation is a single unit of outbound work. Invoke performs the request
// and returns either a result or an error convertible by Classify.
type Operation struct {
	// Name identifies the operation in logs and the journal
	// (e.g. "sync_orders", "push_inventory")
	Name string

	// Invoke executes the request. It is called once per dispatch attempt,
	// plus at most once more when the guard recovers an auth failure.
	Invoke func(ctx context.Context) (any, error)
}

// TokenSource manages the credential used by dispatched operations. All
// three methods may suspend on I/O. EnsureValid and Refresh return an error
// only when the credential is unrecoverable; the scheduler treats that as a
// terminal token-invalid failure.
type TokenSource interface {
	// EnsureValid confirms the current credential is usable, refreshing it
	// first if needed.
	EnsureValid(ctx context.Context) error

	// Refresh obtains a new credential, invalidating the old one.
	Refresh(ctx context.Context) error

	// SignOut clears session state. Fire-and-forget from the scheduler's
	// perspective; errors are logged, never retried.
	SignOut(ctx context.Context) error
}

// Config tunes a Scheduler. Zero fields fall back to the defaults.
type Config struct {
	// MaxRetries is how many times a failed item may be re-enqueued.
	MaxRetries int

	// RequestsPerSecond paces dispatch starts. With the default 10, no two
	// dispatches start less than 100ms apart.
	RequestsPerSecond float64

	// MaxConcurrent caps in-flight operations.
	MaxConcurrent int

	// MaxPending bounds the admission queue; Submit returns ErrQueueFull
	// beyond it. The bound applies to new submissions only; retries always
	// re-enter the queue.
	MaxPending int

	// Backoff computes retry delays.
	Backoff Policy
}

// DefaultConfig returns the production dispatch profile.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RequestsPerSecond: 10,
		MaxConcurrent:     3,
		MaxPending:        256,
		Backoff:           DefaultPolicy,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.Jitter <= 0 {
		c.Backoff.Jitter = d.Backoff.Jitter
	}
	return c
}
