package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSameParty        = errors.New("sender and receiver must be different")
	ErrInvalidAmount    = errors.New("amount must be at least 0.01 with at most two decimal places")
	ErrDuplicateRequest = errors.New("duplicate request")
)

const maxKeyLength = 255

var minAmount = decimal.New(1, -2)

var intakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paystream_intake_total",
	Help: "Intake submissions by request kind and result",
}, []string{"kind", "result"})

type TransactionStore interface {
	CreateTransaction(ctx context.Context, req domain.PaymentRequest) (domain.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (domain.Transaction, error)
	MarkEnqueued(ctx context.Context, id int64) error
}

// IntakeGate accepts payment and collect requests, records them in the ledger and
// hands them to the stream worker through the main stream.
type IntakeGate struct {
	ledger TransactionStore
	guard  *IdempotencyGuard
	queue  queue.Appender
	stream string
	logger *slog.Logger
}

func NewIntakeGate(ledger TransactionStore, guard *IdempotencyGuard, q queue.Appender, stream string, logger *slog.Logger) *IntakeGate {
	return &IntakeGate{ledger: ledger, guard: guard, queue: q, stream: stream, logger: logger}
}

// Submit validates req, rejects reused keys, persists a queued transaction and enqueues its job.
//
// The ledger write happens before the key is registered and before the job is appended.
// If the append fails the transaction is still accepted: it stays queued without a job
// and the reconciliation sweep enqueues it later.
func (g *IntakeGate) Submit(ctx context.Context, req domain.PaymentRequest, idempotencyKey string) (domain.Transaction, error) {
	req, idempotencyKey = normalize(req, idempotencyKey)
	kind := string(req.Kind)
	if !req.Kind.Valid() {
		kind = "unknown"
	}

	if err := ValidateRequest(req, idempotencyKey); err != nil {
		intakeTotal.WithLabelValues(kind, "invalid").Inc()
		return domain.Transaction{}, err
	}

	dup, err := g.guard.IsDuplicate(ctx, idempotencyKey)
	if err != nil {
		intakeTotal.WithLabelValues(kind, "error").Inc()
		return domain.Transaction{}, err
	}
	if dup {
		intakeTotal.WithLabelValues(kind, "duplicate").Inc()
		g.logger.Info("duplicate request rejected", "idempotency_key", idempotencyKey)
		return domain.Transaction{}, ErrDuplicateRequest
	}

	txn, err := g.ledger.CreateTransaction(ctx, req)
	if err != nil {
		intakeTotal.WithLabelValues(kind, "error").Inc()
		return domain.Transaction{}, err
	}

	if err := g.guard.Register(ctx, idempotencyKey, txn.ID); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			intakeTotal.WithLabelValues(kind, "duplicate").Inc()
			g.logger.Warn("lost idempotency race, transaction left unqueued",
				"idempotency_key", idempotencyKey, "txn_id", txn.ID)
			return domain.Transaction{}, ErrDuplicateRequest
		}
		intakeTotal.WithLabelValues(kind, "error").Inc()
		g.logger.Error("idempotency key not recorded for committed transaction",
			"idempotency_key", idempotencyKey, "txn_id", txn.ID, "error", err)
		return domain.Transaction{}, fmt.Errorf("register idempotency key: %w", err)
	}

	if _, err := g.queue.Append(ctx, g.stream, domain.JobFor(txn).Fields()); err != nil {
		intakeTotal.WithLabelValues(kind, "deferred").Inc()
		g.logger.Error("enqueue failed, transaction left for reconciliation",
			"txn_id", txn.ID, "stream", g.stream, "error", err)
		return txn, nil
	}

	if err := g.ledger.MarkEnqueued(ctx, txn.ID); err != nil {
		// The sweep will append a second job for this row; the worker skips it once the
		// first one has settled.
		g.logger.Warn("enqueued but enqueued_at not recorded, reconciliation will append a duplicate job",
			"txn_id", txn.ID, "error", err)
	}

	intakeTotal.WithLabelValues(kind, "accepted").Inc()
	g.logger.Info("transaction enqueued",
		"txn_id", txn.ID, "kind", kind, "stream", g.stream)
	return txn, nil
}

// ValidateRequest applies the intake rules. Every failure wraps ErrInvalidRequest.
func ValidateRequest(req domain.PaymentRequest, idempotencyKey string) error {
	switch {
	case idempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case len(idempotencyKey) > maxKeyLength:
		return fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidRequest, maxKeyLength)
	case !req.Kind.Valid():
		return fmt.Errorf("%w: unknown request kind %q", ErrInvalidRequest, req.Kind)
	case !validUPI(req.SenderUPI):
		return fmt.Errorf("%w: invalid sender UPI %q", ErrInvalidRequest, req.SenderUPI)
	case !validUPI(req.ReceiverUPI):
		return fmt.Errorf("%w: invalid receiver UPI %q", ErrInvalidRequest, req.ReceiverUPI)
	case strings.EqualFold(req.SenderUPI, req.ReceiverUPI):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrSameParty)
	case req.Amount.LessThan(minAmount), !req.Amount.Equal(req.Amount.Truncate(2)):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrInvalidAmount)
	}
	return nil
}

func validUPI(handle string) bool {
	local, provider, ok := strings.Cut(handle, "@")
	return ok && local != "" && provider != "" && !strings.ContainsAny(handle, " \t")
}

func normalize(req domain.PaymentRequest, key string) (domain.PaymentRequest, string) {
	req.SenderUPI = strings.TrimSpace(req.SenderUPI)
	req.ReceiverUPI = strings.TrimSpace(req.ReceiverUPI)
	if req.Kind == "" {
		req.Kind = domain.KindPayment
	}
	return req, strings.TrimSpace(key)
}
