package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/courier/internal/infra/storage"
)

// Pruner deletes old journal records based on retention policy.
type Pruner struct {
	retention time.Duration
	journal   storage.JournalRepository
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, journal storage.JournalRepository) *Pruner {
	return &Pruner{
		retention: retention,
		journal:   journal,
		log:       slog.Default(),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check interval: 10% of the retention period, clamped to [1m, 1h]
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)

	deleted, err := p.journal.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune journal", "error", err)
		return
	}
	if deleted > 0 {
		p.log.Info("Pruned journal", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}
