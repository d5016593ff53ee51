package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/store"
)

type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (domain.IdempotencyRecord, error)
	PutIdempotencyKey(ctx context.Context, key string, transactionID int64) error
}

// IdempotencyGuard remembers which request keys already produced a transaction.
// Uniqueness is enforced by the store, so the guard is safe across processes.
type IdempotencyGuard struct {
	store IdempotencyStore
}

func NewIdempotencyGuard(s IdempotencyStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: s}
}

func (g *IdempotencyGuard) IsDuplicate(ctx context.Context, key string) (bool, error) {
	_, err := g.store.GetIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("idempotency check failed: %w", err)
	}
}

// Register records key -> transactionID. Call it only after the transaction is committed.
// A concurrent writer that already holds the key yields ErrDuplicateRequest.
func (g *IdempotencyGuard) Register(ctx context.Context, key string, transactionID int64) error {
	err := g.store.PutIdempotencyKey(ctx, key, transactionID)
	if errors.Is(err, store.ErrDuplicateKey) {
		return ErrDuplicateRequest
	}
	return err
}

func (g *IdempotencyGuard) Lookup(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	return g.store.GetIdempotencyKey(ctx, key)
}
