package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrCanceled rejects a ticket whose submitter withdrew the request.
var ErrCanceled = errors.New("request canceled")

// Ticket is the completion handle returned by Submit. It settles exactly
// once, with either a result or a terminal error; submitters never observe
// intermediate retry attempts.
type Ticket struct {
	id   string
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	result   any
	err      error
	attempts int
}

func newTicket() *Ticket {
	return &Ticket{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

// ID returns the ticket's unique identifier.
func (t *Ticket) ID() string { return t.id }

// Done is closed once the ticket settles.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket settles or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value. Only meaningful after Done is closed.
func (t *Ticket) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the terminal error, nil on success. Only meaningful after
// Done is closed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Attempts returns how many dispatch attempts have started for this ticket.
func (t *Ticket) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Cancel withdraws the request. Before dispatch this deterministically
// rejects the ticket with ErrCanceled and the scheduler drops the item
// without running it. Once the operation is in flight the call is
// best-effort only: the attempt races to completion and may settle the
// ticket first.
func (t *Ticket) Cancel() {
	t.reject(ErrCanceled)
}

func (t *Ticket) resolve(v any) {
	t.once.Do(func() {
		t.mu.Lock()
		t.result = v
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *Ticket) reject(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// settled reports whether the ticket already has a terminal outcome.
func (t *Ticket) settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Ticket) noteAttempt(n int) {
	t.mu.Lock()
	if n > t.attempts {
		t.attempts = n
	}
	t.mu.Unlock()
}
