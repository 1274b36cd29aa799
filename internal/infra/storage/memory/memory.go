package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/storage"
)

// MemoryStorage backs the repositories when no database is configured.
// Everything is lost on restart; fine for development and tests.
type MemoryStorage struct {
	deliveries map[string]*domain.Delivery
	session    *domain.Session
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		deliveries: make(map[string]*domain.Delivery),
	}
}

// Ping implements storage.Pinger. Memory is always reachable.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// -----------------------------------------------------------------------------
// Journal Repository
// -----------------------------------------------------------------------------

type JournalRepo struct {
	store *MemoryStorage
}

func NewJournalRepo(store *MemoryStorage) *JournalRepo {
	return &JournalRepo{store: store}
}

func (r *JournalRepo) Record(ctx context.Context, d *domain.Delivery) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.deliveries[d.ID]; exists {
		return nil
	}
	copied := *d
	r.store.deliveries[d.ID] = &copied
	return nil
}

func (r *JournalRepo) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	d, ok := r.store.deliveries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (r *JournalRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all := make([]*domain.Delivery, 0, len(r.store.deliveries))
	for _, d := range r.store.deliveries {
		copied := *d
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].FinishedAt.After(all[j].FinishedAt)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *JournalRepo) CountByOutcome(ctx context.Context) (map[domain.Outcome]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.Outcome]int)
	for _, d := range r.store.deliveries {
		counts[d.Outcome]++
	}
	return counts, nil
}

func (r *JournalRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var removed int64
	for id, d := range r.store.deliveries {
		if d.FinishedAt.Before(cutoff) {
			delete(r.store.deliveries, id)
			removed++
		}
	}
	return removed, nil
}

// -----------------------------------------------------------------------------
// Session Repository
// -----------------------------------------------------------------------------

type SessionRepo struct {
	store *MemoryStorage
}

func NewSessionRepo(store *MemoryStorage) *SessionRepo {
	return &SessionRepo{store: store}
}

func (r *SessionRepo) Load(ctx context.Context) (*domain.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if r.store.session == nil {
		return nil, storage.ErrNotFound
	}
	copied := *r.store.session
	return &copied, nil
}

func (r *SessionRepo) Save(ctx context.Context, session *domain.Session) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *session
	r.store.session = &copied
	return nil
}

func (r *SessionRepo) Clear(ctx context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.session = nil
	return nil
}
