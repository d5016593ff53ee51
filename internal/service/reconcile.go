package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
)

const sweepBatch = 500

type OrphanStore interface {
	ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error)
	MarkEnqueued(ctx context.Context, id int64) error
}

// Reconciler re-enqueues transactions whose job was never appended.
// Only rows owned by an idempotency key are considered: a row that lost the key race
// was rejected to its caller and must never settle.
type Reconciler struct {
	store  OrphanStore
	queue  queue.Appender
	stream string
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(s OrphanStore, q queue.Appender, stream string, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: s, queue: q, stream: stream, logger: logger, now: time.Now}
}

// Sweep enqueues orphans older than grace and returns how many were recovered.
func (r *Reconciler) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	orphans, err := r.store.ListOrphans(ctx, r.now().Add(-grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, txn := range orphans {
		if _, err := r.queue.Append(ctx, r.stream, domain.JobFor(txn).Fields()); err != nil {
			return recovered, fmt.Errorf("re-enqueue transaction %d: %w", txn.ID, err)
		}
		if err := r.store.MarkEnqueued(ctx, txn.ID); err != nil {
			return recovered, fmt.Errorf("mark transaction %d enqueued: %w", txn.ID, err)
		}
		recovered++
		r.logger.Info("orphan transaction re-enqueued", "txn_id", txn.ID, "created_at", txn.CreatedAt)
	}
	return recovered, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx, grace)
			if err != nil {
				r.logger.Error("reconciliation sweep failed", "recovered", n, "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reconciliation sweep finished", "recovered", n)
			}
		}
	}
}
