package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/storage"
)

// JournalRepo implements storage.JournalRepository using PostgreSQL.
type JournalRepo struct {
	db *DB
}

// NewJournalRepo creates a new PostgreSQL journal repository.
func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

// Record writes a settled delivery to the journal.
func (r *JournalRepo) Record(ctx context.Context, d *domain.Delivery) error {
	query := `
		INSERT INTO deliveries (id, operation, target, outcome, error_kind, error_text, attempts, enqueued_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.Operation,
		d.Target,
		string(d.Outcome),
		d.ErrorKind,
		d.ErrorText,
		d.Attempts,
		d.EnqueuedAt,
		d.FinishedAt,
		d.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Get retrieves a delivery by ID.
func (r *JournalRepo) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	query := `
		SELECT id, operation, target, outcome, error_kind, error_text, attempts, enqueued_at, finished_at, duration_ms
		FROM deliveries
		WHERE id = $1
	`

	var d domain.Delivery
	err := r.db.GetContext(ctx, &d, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &d, nil
}

// ListRecent retrieves the most recently finished deliveries.
func (r *JournalRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	query := `
		SELECT id, operation, target, outcome, error_kind, error_text, attempts, enqueued_at, finished_at, duration_ms
		FROM deliveries
		ORDER BY finished_at DESC
		LIMIT $1
	`

	var deliveries []*domain.Delivery
	if err := r.db.SelectContext(ctx, &deliveries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return deliveries, nil
}

// CountByOutcome returns delivery counts grouped by outcome.
func (r *JournalRepo) CountByOutcome(ctx context.Context) (map[domain.Outcome]int, error) {
	query := `SELECT outcome, COUNT(*) FROM deliveries GROUP BY outcome`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Outcome]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[domain.Outcome(outcome)] = count
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes journal entries finished before cutoff.
func (r *JournalRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM deliveries WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}
