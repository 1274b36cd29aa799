package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/dispatch"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/metrics"
	"github.com/vietddude/courier/internal/upstream"
)

// ErrUnknownRequest is returned for IDs that are neither live nor journaled.
var ErrUnknownRequest = errors.New("unknown request id")

// settledRetention keeps finished requests queryable in memory, response
// body included, before lookups fall through to the journal.
const settledRetention = 5 * time.Minute

// entry tracks one submitted request from admission to settlement.
type entry struct {
	spec       domain.CallSpec
	ticket     *dispatch.Ticket
	enqueuedAt time.Time
	settledAt  time.Time // zero until settled, guarded by Registry.mu
}

// Registry turns call specs into scheduled operations against the partner
// API and journals every terminal outcome.
type Registry struct {
	scheduler *dispatch.Scheduler
	client    *upstream.Client
	journal   storage.JournalRepository
	log       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	watchers  sync.WaitGroup
	retention time.Duration
}

// NewRegistry creates a registry over the given scheduler and partner client.
func NewRegistry(scheduler *dispatch.Scheduler, client *upstream.Client, journal storage.JournalRepository) *Registry {
	return &Registry{
		scheduler: scheduler,
		client:    client,
		journal:   journal,
		log:       slog.Default(),
		entries:   make(map[string]*entry),
		retention: settledRetention,
	}
}

// Submit admits a call spec for delivery and returns its ticket.
func (r *Registry) Submit(spec domain.CallSpec) (*dispatch.Ticket, error) {
	if spec.Name == "" {
		spec.Name = "relay"
	}

	ticket, err := r.scheduler.Submit(dispatch.Operation{
		Name:   spec.Name,
		Invoke: r.invoker(spec),
	})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()

	e := &entry{spec: spec, ticket: ticket, enqueuedAt: time.Now()}
	r.mu.Lock()
	r.entries[ticket.ID()] = e
	r.mu.Unlock()

	r.watchers.Add(1)
	go r.watch(e)

	r.log.Debug("Request admitted", "id", ticket.ID(), "operation", spec.Name, "target", spec.Target())
	return ticket, nil
}

func (r *Registry) invoker(spec domain.CallSpec) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		result, err := r.client.Do(ctx, upstream.Call{
			Method: spec.Method,
			Path:   spec.Path,
			Query:  toValues(spec.Query),
			Header: toHeader(spec.Header),
			Body:   spec.Body,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// watch journals the outcome once the ticket settles and expires the live
// entry after the retention window.
func (r *Registry) watch(e *entry) {
	defer r.watchers.Done()

	<-e.ticket.Done()
	now := time.Now()

	r.mu.Lock()
	e.settledAt = now
	r.mu.Unlock()

	delivery := deliveryFrom(e, now)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.journal.Record(ctx, delivery); err != nil {
		metrics.JournalWritesTotal.WithLabelValues("failure").Inc()
		r.log.Error("Failed to journal delivery", "id", delivery.ID, "error", err)
	} else {
		metrics.JournalWritesTotal.WithLabelValues("success").Inc()
	}

	metrics.DeliveriesTotal.WithLabelValues(string(delivery.Outcome), delivery.ErrorKind).Inc()
	metrics.DeliveryDuration.Observe(float64(delivery.DurationMS) / 1000)
	metrics.DeliveryAttempts.Observe(float64(delivery.Attempts))

	r.log.Info("Delivery settled",
		"id", delivery.ID,
		"operation", delivery.Operation,
		"outcome", delivery.Outcome,
		"attempts", delivery.Attempts,
		"duration_ms", delivery.DurationMS,
	)

	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		delete(r.entries, e.ticket.ID())
		r.mu.Unlock()
	})
}

// deliveryFrom converts a settled entry into its journal record.
func deliveryFrom(e *entry, settledAt time.Time) *domain.Delivery {
	d := &domain.Delivery{
		ID:         e.ticket.ID(),
		Operation:  e.spec.Name,
		Target:     e.spec.Target(),
		Attempts:   e.ticket.Attempts(),
		EnqueuedAt: e.enqueuedAt,
		FinishedAt: settledAt,
		DurationMS: settledAt.Sub(e.enqueuedAt).Milliseconds(),
	}

	err := e.ticket.Err()
	switch {
	case err == nil:
		d.Outcome = domain.OutcomeSucceeded
	case errors.Is(err, dispatch.ErrCanceled), errors.Is(err, dispatch.ErrClosed):
		d.Outcome = domain.OutcomeCanceled
		d.ErrorText = err.Error()
	default:
		d.Outcome = domain.OutcomeFailed
		ce := dispatch.Classify(err)
		d.ErrorKind = ce.Kind.String()
		d.ErrorText = err.Error()
	}
	return d
}

// Status reports the current state of a request, live or journaled.
func (r *Registry) Status(ctx context.Context, id string) (*RequestStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	var settledAt time.Time
	if ok {
		settledAt = e.settledAt
	}
	r.mu.RUnlock()

	if ok {
		return statusFrom(e, settledAt), nil
	}

	delivery, err := r.journal.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, err
	}
	return statusFromDelivery(delivery), nil
}

func statusFrom(e *entry, settledAt time.Time) *RequestStatus {
	st := &RequestStatus{
		ID:         e.ticket.ID(),
		Operation:  e.spec.Name,
		Target:     e.spec.Target(),
		Attempts:   e.ticket.Attempts(),
		EnqueuedAt: e.enqueuedAt,
	}

	select {
	case <-e.ticket.Done():
	default:
		st.Status = StateQueued
		if st.Attempts > 0 {
			st.Status = StateInFlight
		}
		return st
	}

	finished := settledAt
	if finished.IsZero() {
		// Settled between our map read and now; the watcher will record
		// the authoritative time.
		finished = time.Now()
	}
	st.FinishedAt = &finished
	st.DurationMS = finished.Sub(e.enqueuedAt).Milliseconds()

	err := e.ticket.Err()
	switch {
	case err == nil:
		st.Status = StateSucceeded
		if raw, ok := e.ticket.Result().(json.RawMessage); ok {
			st.Result = raw
		}
	case errors.Is(err, dispatch.ErrCanceled), errors.Is(err, dispatch.ErrClosed):
		st.Status = StateCanceled
		st.Error = err.Error()
	default:
		st.Status = StateFailed
		ce := dispatch.Classify(err)
		st.ErrorKind = ce.Kind.String()
		st.Error = err.Error()
	}
	return st
}

func statusFromDelivery(d *domain.Delivery) *RequestStatus {
	finished := d.FinishedAt
	return &RequestStatus{
		ID:         d.ID,
		Operation:  d.Operation,
		Target:     d.Target,
		Status:     string(d.Outcome),
		ErrorKind:  d.ErrorKind,
		Error:      d.ErrorText,
		Attempts:   d.Attempts,
		EnqueuedAt: d.EnqueuedAt,
		FinishedAt: &finished,
		DurationMS: d.DurationMS,
	}
}

// Cancel withdraws a live request. For requests that already settled it
// just reports their terminal state.
func (r *Registry) Cancel(ctx context.Context, id string) (*RequestStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if ok {
		e.ticket.Cancel()
	}
	return r.Status(ctx, id)
}

// Recent lists the most recently settled deliveries from the journal.
func (r *Registry) Recent(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	return r.journal.ListRecent(ctx, limit)
}

// Close waits for outstanding journal writes. Call after the scheduler has
// been closed, so every ticket is already settled.
func (r *Registry) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toValues(m map[string]string) url.Values {
	if len(m) == 0 {
		return nil
	}
	values := make(url.Values, len(m))
	for k, v := range m {
		values.Set(k, v)
	}
	return values
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	header := make(http.Header, len(m))
	for k, v := range m {
		header.Set(k, v)
	}
	return header
}
