package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned by Submit when the admission queue is at
	// MaxPending.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrClosed is returned by Submit after Close, and rejects items that
	// were still queued when the scheduler shut down.
	ErrClosed = errors.New("scheduler closed")

	// ErrNilOperation is returned by Submit for an operation without Invoke.
	ErrNilOperation = errors.New("operation has no Invoke")
)

// item is a queued unit of work. Owned exclusively by the scheduler from
// admission until its ticket settles.
type item struct {
	op      Operation
	attempt int
	ticket  *Ticket
}

// Scheduler owns the pending queue and drives admitted work through the
// guard under three limits: a bounded queue, paced dispatch starts, and a
// cap on in-flight operations. Retryable failures re-enter the back of the
// queue after a backoff delay, up to MaxRetries times per item.
//
// All queue state is guarded by one mutex; the drain loop runs as a single
// goroutine at a time, re-armed by submissions, freed slots, and expired
// retry delays.
type Scheduler struct {
	cfg     Config
	guard   *Guard
	tokens  TokenSource
	limiter *rate.Limiter
	log     *slog.Logger

	mu           sync.Mutex
	queue        []*item
	active       int
	draining     bool
	closed       bool
	lastDispatch time.Time
	timers       map[*item]*time.Timer

	inflight sync.WaitGroup
	base     context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler over the given token source. Multiple
// schedulers are independent; nothing is shared at package level.
func NewScheduler(tokens TokenSource, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:     cfg,
		guard:   NewGuard(tokens),
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		log:     slog.Default(),
		timers:  make(map[*item]*time.Timer),
		base:    base,
		cancel:  cancel,
	}
}

// Submit admits an operation at the back of the queue and returns its
// completion handle. It never blocks: a full queue or a closed scheduler
// is reported immediately as an error.
func (s *Scheduler) Submit(op Operation) (*Ticket, error) {
	if op.Invoke == nil {
		return nil, ErrNilOperation
	}

	it := &item{op: op, ticket: newTicket()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if len(s.queue) >= s.cfg.MaxPending {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()

	s.kick()
	return it.ticket, nil
}

// kick arms the drain loop if it is idle and there is dispatchable work.
func (s *Scheduler) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining || s.closed {
		return
	}
	if len(s.queue) == 0 || s.active >= s.cfg.MaxConcurrent {
		return
	}

	s.draining = true
	go s.drain()
}

// drain dispatches queued items while a concurrency slot is free, pacing
// each dispatch start through the rate limiter. The draining flag ensures
// a single loop body executes at a time.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		// Items canceled before dispatch are dropped here, without
		// consuming a pacing slot.
		for len(s.queue) > 0 && s.queue[0].ticket.settled() {
			s.queue = s.queue[1:]
		}
		if s.closed || len(s.queue) == 0 || s.active >= s.cfg.MaxConcurrent {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		// Pacing applies to dispatch starts only; in-flight operations
		// overlap freely below the concurrency cap. The wait aborts on
		// shutdown.
		if err := s.limiter.Wait(s.base); err != nil {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		if it.ticket.settled() {
			// Canceled while we waited on the limiter.
			s.mu.Unlock()
			continue
		}
		s.active++
		s.lastDispatch = time.Now()
		s.inflight.Add(1)
		s.mu.Unlock()

		it.ticket.noteAttempt(it.attempt + 1)
		go s.execute(it)
	}
}

// execute runs one dispatch attempt through the guard and settles or
// re-enqueues the item based on the classified outcome.
func (s *Scheduler) execute(it *item) {
	defer s.inflight.Done()

	result, err := s.guard.Run(s.base, it.op)
	if err == nil {
		it.ticket.resolve(result)
		s.conclude()
		return
	}

	ce := Classify(err)
	switch {
	case ce.Kind == KindTokenInvalid:
		// Terminal, bypasses the retry budget entirely.
		s.signOut(it.op.Name)
		it.ticket.reject(ce)

	case ce.Kind.Retryable() && it.attempt < s.cfg.MaxRetries && !it.ticket.settled():
		s.scheduleRetry(it, ce)

	default:
		it.ticket.reject(ce)
	}

	s.conclude()
}

// conclude releases the concurrency slot once an attempt has finished, and
// re-arms the drain loop in case it exited on the cap.
func (s *Scheduler) conclude() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.kick()
}

// scheduleRetry re-enqueues the item at the back of the queue once the
// backoff delay elapses. The attempt counter only ever increases.
func (s *Scheduler) scheduleRetry(it *item, ce *Error) {
	delay := s.cfg.Backoff.DelayFor(ce, it.attempt)
	it.attempt++

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		it.ticket.reject(ErrClosed)
		return
	}
	s.timers[it] = time.AfterFunc(delay, func() { s.requeue(it) })
	s.mu.Unlock()

	s.log.Debug("Retry scheduled",
		"operation", it.op.Name,
		"kind", ce.Kind.String(),
		"attempt", it.attempt,
		"delay", delay,
	)
}

func (s *Scheduler) requeue(it *item) {
	s.mu.Lock()
	delete(s.timers, it)
	if s.closed {
		s.mu.Unlock()
		it.ticket.reject(ErrClosed)
		return
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()

	s.kick()
}

func (s *Scheduler) signOut(opName string) {
	s.log.Warn("Token invalid, signing out", "operation", opName)

	// Sign-out must run even while the scheduler is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tokens.SignOut(ctx); err != nil {
		s.log.Warn("Sign-out failed", "error", err)
	}
}

// Close stops admission, rejects everything still queued or waiting on a
// retry delay with ErrClosed, and waits for in-flight operations until ctx
// expires. Safe to call more than once.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	timers := s.timers
	s.timers = make(map[*item]*time.Timer)
	s.mu.Unlock()

	for _, it := range pending {
		it.ticket.reject(ErrClosed)
	}
	for it, timer := range timers {
		timer.Stop()
		it.ticket.reject(ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	// In-flight operations get the full grace period; the base context is
	// only canceled once they have drained or the deadline passed.
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	Queued       int       `json:"queued"`
	Active       int       `json:"active"`
	RetryWaiting int       `json:"retry_waiting"`
	Draining     bool      `json:"draining"`
	Closed       bool      `json:"closed"`
	LastDispatch time.Time `json:"last_dispatch"`
}

// Stats reports current queue depth, in-flight count, and items waiting
// out a retry delay.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Queued:       len(s.queue),
		Active:       s.active,
		RetryWaiting: len(s.timers),
		Draining:     s.draining,
		Closed:       s.closed,
		LastDispatch: s.lastDispatch,
	}
}
