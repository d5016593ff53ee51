package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paystream/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("idempotency key already registered")
)

// InitialCursor is the position before the first stream entry.
const InitialCursor = "0-0"

const uniqueViolation = "23505"

const transactionColumns = "id, sender_upi, receiver_upi, amount::text, kind, status, created_at, updated_at, enqueued_at"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateTransaction persists a new transaction in status queued.
func (s *Store) CreateTransaction(ctx context.Context, req domain.PaymentRequest) (domain.Transaction, error) {
	row := s.Db.QueryRow(ctx,
		"INSERT INTO transactions (sender_upi, receiver_upi, amount, kind, status) VALUES ($1, $2, $3::numeric, $4, $5) RETURNING "+transactionColumns,
		req.SenderUPI, req.ReceiverUPI, req.Amount.StringFixed(2), string(req.Kind), string(domain.StatusQueued),
	)
	t, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction insert failed: %w", err)
	}
	return t, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	row := s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, ErrNotFound
		}
		return domain.Transaction{}, fmt.Errorf("transaction lookup failed: %w", err)
	}
	return t, nil
}

// MarkEnqueued records that the job for id has been appended to the stream.
func (s *Store) MarkEnqueued(ctx context.Context, id int64) error {
	tag, err := s.Db.Exec(ctx, "UPDATE transactions SET enqueued_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("mark enqueued failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrphans returns queued transactions created before the cutoff that never got a job,
// restricted to those owned by an idempotency key.
func (s *Store) ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT `+prefixed("t", transactionColumns)+`
		FROM transactions t
		JOIN idempotency_keys k ON k.transaction_id = t.id
		WHERE t.status = $1 AND t.enqueued_at IS NULL AND t.created_at < $2
		ORDER BY t.id
		LIMIT $3`,
		string(domain.StatusQueued), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("orphan query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("orphan scan failed: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetIdempotencyKey looks up a request key.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	err := s.Db.QueryRow(ctx,
		"SELECT transaction_id, created_at FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.TransactionID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyRecord{}, ErrNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency query failed: %w", err)
	}
	return rec, nil
}

// PutIdempotencyKey inserts a key. The primary key makes a second write fail with ErrDuplicateKey.
func (s *Store) PutIdempotencyKey(ctx context.Context, key string, transactionID int64) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, transaction_id) VALUES ($1, $2)",
		key, transactionID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("key registration failed: %w", err)
	}
	return nil
}

// Transition moves a transaction to the next status and writes the audit entry in one database transaction.
func (s *Store) Transition(ctx context.Context, id int64, next domain.Status) (domain.AuditEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuditEntry{}, ErrNotFound
		}
		return domain.AuditEntry{}, fmt.Errorf("lock acquisition failed: %w", err)
	}

	prev := domain.Status(current)
	if err := domain.CheckTransition(prev, next); err != nil {
		return domain.AuditEntry{}, err
	}

	entry := domain.AuditEntry{TransactionID: id, PrevStatus: prev, NewStatus: next}
	err = tx.QueryRow(ctx,
		"INSERT INTO transaction_history (transaction_id, prev_status, new_status) VALUES ($1, $2, $3) RETURNING id, changed_at",
		id, string(prev), string(next),
	).Scan(&entry.ID, &entry.ChangedAt)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit insert failed: %w", err)
	}

	_, err = tx.Exec(ctx, "UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3", string(next), entry.ChangedAt, id)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("status update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return entry, nil
}

// History returns the audit entries of a transaction in sequence order.
func (s *Store) History(ctx context.Context, id int64) ([]domain.AuditEntry, error) {
	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT id, transaction_id, prev_status, new_status, changed_at FROM transaction_history WHERE transaction_id = $1 ORDER BY id",
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var prev, next string
		if err := rows.Scan(&e.ID, &e.TransactionID, &prev, &next, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		e.PrevStatus, e.NewStatus = domain.Status(prev), domain.Status(next)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LoadCursor returns the last handled stream entry for a consumer, or InitialCursor.
func (s *Store) LoadCursor(ctx context.Context, consumer, stream string) (string, error) {
	var id string
	err := s.Db.QueryRow(ctx,
		"SELECT last_id FROM stream_cursors WHERE consumer = $1 AND stream = $2", consumer, stream,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InitialCursor, nil
		}
		return "", fmt.Errorf("cursor lookup failed: %w", err)
	}
	return id, nil
}

// SaveCursor persists the cursor position.
func (s *Store) SaveCursor(ctx context.Context, consumer, stream, id string) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO stream_cursors (consumer, stream, last_id, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (consumer, stream) DO UPDATE SET last_id = EXCLUDED.last_id, updated_at = EXCLUDED.updated_at`,
		consumer, stream, id,
	)
	if err != nil {
		return fmt.Errorf("cursor save failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var amount, kind, status string
	if err := row.Scan(&t.ID, &t.SenderUPI, &t.ReceiverUPI, &amount, &kind, &status, &t.CreatedAt, &t.UpdatedAt, &t.EnqueuedAt); err != nil {
		return domain.Transaction{}, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	t.Amount = parsed
	t.Kind = domain.Kind(kind)
	t.Status = domain.Status(status)
	return t, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
