package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/paystream/internal/domain"
)

// MemoryStore is an in-process implementation of the store contract, used by tests
// and local runs without Postgres. It applies the same uniqueness and transition rules.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	nextTxnID    int64
	nextAuditID  int64
	transactions map[int64]domain.Transaction
	keys         map[string]domain.IdempotencyRecord
	history      []domain.AuditEntry
	cursors      map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		transactions: make(map[int64]domain.Transaction),
		keys:         make(map[string]domain.IdempotencyRecord),
		cursors:      make(map[string]string),
	}
}

// WithClock replaces the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateTransaction(ctx context.Context, req domain.PaymentRequest) (domain.Transaction, error) {
	if strings.EqualFold(req.SenderUPI, req.ReceiverUPI) {
		return domain.Transaction{}, fmt.Errorf("transaction insert failed: sender equals receiver")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTxnID++
	now := m.now()
	t := domain.Transaction{
		ID:          m.nextTxnID,
		SenderUPI:   req.SenderUPI,
		ReceiverUPI: req.ReceiverUPI,
		Amount:      req.Amount.Round(2),
		Kind:        req.Kind,
		Status:      domain.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.transactions[t.ID] = t
	return t, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) MarkEnqueued(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	t.EnqueuedAt = &now
	m.transactions[id] = t
	return nil
}

func (m *MemoryStore) ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := make(map[int64]bool, len(m.keys))
	for _, rec := range m.keys {
		owned[rec.TransactionID] = true
	}

	var out []domain.Transaction
	for id, t := range m.transactions {
		if owned[id] && t.Status == domain.StatusQueued && t.EnqueuedAt == nil && t.CreatedAt.Before(createdBefore) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetIdempotencyKey(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) PutIdempotencyKey(ctx context.Context, key string, transactionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.transactions[transactionID]; !ok {
		return fmt.Errorf("key registration failed: transaction %d does not exist", transactionID)
	}
	m.keys[key] = domain.IdempotencyRecord{Key: key, TransactionID: transactionID, CreatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id int64, next domain.Status) (domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return domain.AuditEntry{}, ErrNotFound
	}
	if err := domain.CheckTransition(t.Status, next); err != nil {
		return domain.AuditEntry{}, err
	}

	m.nextAuditID++
	entry := domain.AuditEntry{
		ID:            m.nextAuditID,
		TransactionID: id,
		PrevStatus:    t.Status,
		NewStatus:     next,
		ChangedAt:     m.now(),
	}
	m.history = append(m.history, entry)
	t.Status = next
	t.UpdatedAt = entry.ChangedAt
	m.transactions[id] = t
	return entry, nil
}

func (m *MemoryStore) History(ctx context.Context, id int64) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[id]; !ok {
		return nil, ErrNotFound
	}
	var out []domain.AuditEntry
	for _, e := range m.history {
		if e.TransactionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadCursor(ctx context.Context, consumer, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.cursors[consumer+"/"+stream]; ok {
		return id, nil
	}
	return InitialCursor, nil
}

func (m *MemoryStore) SaveCursor(ctx context.Context, consumer, stream, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[consumer+"/"+stream] = id
	return nil
}

// Count returns the number of transactions and idempotency keys held.
func (m *MemoryStore) Count() (transactions, keys int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions), len(m.keys)
}
