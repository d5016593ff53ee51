// Package worker drains the main transaction stream and drives each job through
// settlement.
//
// The worker is a single sequential consumer. It keeps its own cursor and moves it
// past an entry only once that entry reached a terminal outcome: completed,
// dead-lettered, or skipped as unprocessable. Anything else (a crash, a store outage,
// shutdown mid-retry) leaves the cursor where it was and the entry is read again on
// the next cycle. Redelivered entries whose transaction is already terminal are
// acknowledged without touching the settlement rail.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/settlement"
	"github.com/punchamoorthee/paystream/internal/store"
)

type Ledger interface {
	GetTransaction(ctx context.Context, id int64) (domain.Transaction, error)
}

type StateMachine interface {
	Begin(ctx context.Context, id int64) (domain.AuditEntry, error)
	Complete(ctx context.Context, id int64) (domain.AuditEntry, error)
	Fail(ctx context.Context, id int64) (domain.AuditEntry, error)
}

type CursorStore interface {
	LoadCursor(ctx context.Context, consumer, stream string) (string, error)
	SaveCursor(ctx context.Context, consumer, stream, id string) error
}

type Config struct {
	ID                string
	MainStream        string
	DLQStream         string
	PollInterval      time.Duration
	BatchSize         int64
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	SettlementTimeout time.Duration
}

type Dependencies struct {
	Queue   queue.Queue
	Ledger  Ledger
	Machine StateMachine
	Cursors CursorStore
	Adapter settlement.Adapter
	Logger  *slog.Logger
}

type outcome string

const (
	outcomeCompleted    outcome = "completed"
	outcomeDeadLettered outcome = "dead_lettered"
	outcomeMalformed    outcome = "malformed"
	outcomeMissing      outcome = "missing_transaction"
	outcomeAlreadyDone  outcome = "already_terminal"
)

type Worker struct {
	cfg     Config
	queue   queue.Queue
	ledger  Ledger
	machine StateMachine
	cursors CursorStore
	adapter settlement.Adapter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Dependencies) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		cfg:     cfg,
		queue:   deps.Queue,
		ledger:  deps.Ledger,
		machine: deps.Machine,
		cursors: deps.Cursors,
		adapter: deps.Adapter,
		logger:  deps.Logger.With("worker_id", cfg.ID, "stream", cfg.MainStream),
		sleep:   sleepContext,
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on the next cycle.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting stream worker",
		"poll_interval", w.cfg.PollInterval,
		"max_attempts", w.cfg.MaxAttempts,
		"dlq_stream", w.cfg.DLQStream,
	)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("stream worker stopped")
			return err
		}
		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("stream worker stopped")
				return ctx.Err()
			}
			pollErrors.Inc()
			w.logger.Error("poll cycle failed", "error", err)
		}
		if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
			w.logger.Info("stream worker stopped")
			return err
		}
	}
}

// PollOnce handles every entry after the saved cursor, in order, advancing the cursor after each.
// It stops at the first entry that cannot reach a terminal outcome.
func (w *Worker) PollOnce(ctx context.Context) error {
	cursor, err := w.cursors.LoadCursor(ctx, w.cfg.ID, w.cfg.MainStream)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	msgs, err := w.queue.ReadAfter(ctx, w.cfg.MainStream, cursor, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if len(msgs) == 0 {
		w.logger.Debug("no new entries", "cursor", cursor)
		return nil
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := w.handle(ctx, msg)
		if err != nil {
			return fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		jobsTotal.WithLabelValues(string(result)).Inc()

		// Finished work is acknowledged even if shutdown started meanwhile.
		if err := w.cursors.SaveCursor(context.WithoutCancel(ctx), w.cfg.ID, w.cfg.MainStream, msg.ID); err != nil {
			return fmt.Errorf("advance cursor to %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) (outcome, error) {
	log := w.logger.With("entry_id", msg.ID)

	id, err := domain.ParseTransactionID(msg.Fields)
	if err != nil {
		log.Error("skipping malformed job", "fields", msg.Fields, "error", err)
		return outcomeMalformed, nil
	}
	log = log.With("txn_id", id)

	txn, err := w.ledger.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("skipping job for unknown transaction")
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("load transaction %d: %w", id, err)
	}

	if txn.Status.Terminal() {
		log.Info("transaction already terminal, acknowledging redelivered job", "status", txn.Status)
		return outcomeAlreadyDone, nil
	}

	return w.dispatch(ctx, msg, txn, log)
}

// dispatch runs up to MaxAttempts settlement attempts with capped exponential backoff in between.
func (w *Worker) dispatch(ctx context.Context, msg queue.Message, txn domain.Transaction, log *slog.Logger) (outcome, error) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		ok, err := w.attempt(ctx, txn, attempt, log)
		if err != nil {
			return "", err
		}
		if ok {
			log.Info("transaction completed", "attempt", attempt)
			return outcomeCompleted, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt == w.cfg.MaxAttempts {
			break
		}

		delay := Backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, attempt)
		log.Warn("settlement attempt failed, retrying",
			"attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "backoff", delay)
		if err := w.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return w.deadLetter(ctx, msg, txn, log)
}

func (w *Worker) attempt(ctx context.Context, txn domain.Transaction, n int, log *slog.Logger) (bool, error) {
	if _, err := w.machine.Begin(ctx, txn.ID); err != nil {
		return false, fmt.Errorf("enter processing: %w", err)
	}

	if !w.settle(ctx, txn, n, log) {
		return false, nil
	}

	if _, err := w.machine.Complete(context.WithoutCancel(ctx), txn.ID); err != nil {
		log.Error("settled but completion not recorded; job will be redelivered", "attempt", n, "error", err)
		return false, fmt.Errorf("record completion: %w", err)
	}
	return true, nil
}

func (w *Worker) settle(ctx context.Context, txn domain.Transaction, n int, log *slog.Logger) bool {
	callCtx := ctx
	if w.cfg.SettlementTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.SettlementTimeout)
		defer cancel()
	}

	start := time.Now()
	ok, err := w.callAdapter(callCtx, txn)
	settlementDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		settlementAttempts.WithLabelValues("error").Inc()
		log.Warn("settlement attempt errored", "attempt", n, "error", err)
		return false
	case !ok:
		settlementAttempts.WithLabelValues("declined").Inc()
		log.Warn("settlement attempt declined", "attempt", n)
		return false
	default:
		settlementAttempts.WithLabelValues("success").Inc()
		return true
	}
}

func (w *Worker) callAdapter(ctx context.Context, txn domain.Transaction) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("settlement adapter panic: %v", r)
		}
	}()
	return w.adapter.AttemptSettlement(ctx, txn.SenderUPI, txn.ReceiverUPI, txn.Amount, txn.ID)
}

// deadLetter copies the original entry to the DLQ stream, then records the failure.
// The DLQ write comes first so a crash in between redelivers the job instead of losing it.
func (w *Worker) deadLetter(ctx context.Context, msg queue.Message, txn domain.Transaction, log *slog.Logger) (outcome, error) {
	finalCtx := context.WithoutCancel(ctx)

	dlqID, err := w.queue.Append(finalCtx, w.cfg.DLQStream, msg.Fields)
	if err != nil {
		return "", fmt.Errorf("dead-letter job: %w", err)
	}
	deadLetters.Inc()

	if _, err := w.machine.Fail(finalCtx, txn.ID); err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}

	log.Error("moved job to dead-letter stream",
		"attempts", w.cfg.MaxAttempts, "dlq_stream", w.cfg.DLQStream, "dlq_entry_id", dlqID)
	return outcomeDeadLettered, nil
}

// Backoff returns the wait before retry number attempt+1: base doubled per attempt, capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
