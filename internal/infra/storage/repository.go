package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// JournalRepository handles delivery journal operations
type JournalRepository interface {
	// Record writes one settled delivery
	Record(ctx context.Context, delivery *domain.Delivery) error

	// Get retrieves a delivery by ID
	Get(ctx context.Context, id string) (*domain.Delivery, error)

	// ListRecent retrieves the most recently finished deliveries
	ListRecent(ctx context.Context, limit int) ([]*domain.Delivery, error)

	// CountByOutcome returns delivery counts grouped by outcome
	CountByOutcome(ctx context.Context) (map[domain.Outcome]int, error)

	// DeleteOlderThan removes journal entries finished before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRepository handles persisted credential state
type SessionRepository interface {
	// Load retrieves the stored session, ErrNotFound when absent
	Load(ctx context.Context) (*domain.Session, error)

	// Save stores the session, replacing any previous one
	Save(ctx context.Context, session *domain.Session) error

	// Clear removes the stored session
	Clear(ctx context.Context) error
}

// Pinger reports whether a storage backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}
