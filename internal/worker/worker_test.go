package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/settlement"
	"github.com/punchamoorthee/paystream/internal/store"
)

const (
	mainStream = "transactions.main"
	dlqStream  = "transactions.dlq"
	workerID   = "worker-test"
)

type result struct {
	ok    bool
	err   error
	panic bool
}

// scriptedRail replays results in order and repeats the last one once exhausted.
type scriptedRail struct {
	mu      sync.Mutex
	results []result
	calls   int
}

func (r *scriptedRail) AttemptSettlement(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error) {
	r.mu.Lock()
	idx := r.calls
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	res := r.results[idx]
	r.calls++
	r.mu.Unlock()

	if res.panic {
		panic("rail exploded")
	}
	return res.ok, res.err
}

func (r *scriptedRail) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	gate   *service.IntakeGate
	rail   *scriptedRail
	worker *Worker
	sleeps []time.Duration
}

func newHarness(t *testing.T, results ...result) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	rail := &scriptedRail{results: results}

	h := &harness{
		store: s,
		queue: q,
		gate:  service.NewIntakeGate(s, service.NewIdempotencyGuard(s), q, mainStream, logger),
		rail:  rail,
	}
	h.worker = New(Config{
		ID:          workerID,
		MainStream:  mainStream,
		DLQStream:   dlqStream,
		BatchSize:   10,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  30 * time.Second,
	}, Dependencies{
		Queue:   q,
		Ledger:  s,
		Machine: service.NewStateMachine(s, logger),
		Cursors: s,
		Adapter: rail,
		Logger:  logger,
	})
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func (h *harness) submit(t *testing.T, key string) domain.Transaction {
	t.Helper()
	txn, err := h.gate.Submit(context.Background(), domain.PaymentRequest{
		SenderUPI:   "oliver@upi",
		ReceiverUPI: "lucas@upi",
		Amount:      decimal.RequireFromString("250.00"),
		Kind:        domain.KindPayment,
	}, key)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return txn
}

func (h *harness) status(t *testing.T, id int64) domain.Status {
	t.Helper()
	txn, err := h.store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return txn.Status
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	c, err := h.store.LoadCursor(context.Background(), workerID, mainStream)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	return c
}

func lastEntryID(q *queue.MemoryQueue) string {
	entries := q.Entries(mainStream)
	return entries[len(entries)-1].ID
}

func TestWorkerCompletesOnFirstAttempt(t *testing.T) {
	h := newHarness(t, result{ok: true})
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if h.rail.Calls() != 1 {
		t.Fatalf("expected 1 settlement call, got %d", h.rail.Calls())
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("expected no backoff, got %v", h.sleeps)
	}
	if got, want := h.cursor(t), lastEntryID(h.queue); got != want {
		t.Fatalf("cursor %s, want %s", got, want)
	}
	history, _ := h.store.History(context.Background(), txn.ID)
	if !domain.ValidPath(history) {
		t.Fatalf("invalid history %+v", history)
	}
}

func TestWorkerSucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t, result{ok: false}, result{ok: true})
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if n := len(h.queue.Entries(dlqStream)); n != 0 {
		t.Fatalf("expected empty DLQ, got %d entries", n)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 2*time.Second {
		t.Fatalf("expected one 2s backoff, got %v", h.sleeps)
	}

	history, _ := h.store.History(context.Background(), txn.ID)
	want := []domain.Status{domain.StatusProcessing, domain.StatusProcessing, domain.StatusCompleted}
	if len(history) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), history)
	}
	for i, s := range want {
		if history[i].NewStatus != s {
			t.Errorf("transition %d: got %s, want %s", i, history[i].NewStatus, s)
		}
	}
}

func TestWorkerDeadLettersAfterExhaustingAttempts(t *testing.T) {
	h := newHarness(t, result{ok: false})
	txn := h.submit(t, "k1")
	original := h.queue.Entries(mainStream)[0].Fields

	if err := h.worker.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := h.status(t, txn.ID); got != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if h.rail.Calls() != 3 {
		t.Fatalf("expected 3 settlement calls, got %d", h.rail.Calls())
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 2*time.Second || h.sleeps[1] != 4*time.Second {
		t.Fatalf("expected backoff [2s 4s], got %v", h.sleeps)
	}

	history, _ := h.store.History(context.Background(), txn.ID)
	processing := 0
	for _, e := range history {
		if e.NewStatus == domain.StatusProcessing {
			processing++
		}
	}
	if processing != 3 {
		t.Fatalf("expected 3 transitions into processing, got %d", processing)
	}
	if !domain.ValidPath(history) {
		t.Fatalf("invalid history %+v", history)
	}

	dlq := h.queue.Entries(dlqStream)
	if len(dlq) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(dlq))
	}
	if len(dlq[0].Fields) != len(original) {
		t.Fatalf("DLQ fields %v, want %v", dlq[0].Fields, original)
	}
	for k, v := range original {
		if dlq[0].Fields[k] != v {
			t.Errorf("DLQ field %s: got %q, want %q", k, dlq[0].Fields[k], v)
		}
	}
	if got, want := h.cursor(t), lastEntryID(h.queue); got != want {
		t.Fatalf("cursor %s, want %s", got, want)
	}
}

func TestWorkerTreatsAdapterErrorsAndPanicsAsFailedAttempts(t *testing.T) {
	h := newHarness(t,
		result{err: errors.New("switch timeout")},
		result{panic: true},
		result{ok: true},
	)
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("expected completed on third attempt, got %s", got)
	}
	if h.rail.Calls() != 3 {
		t.Fatalf("expected 3 settlement calls, got %d", h.rail.Calls())
	}
}

func TestWorkerBoundsSettlementCallWithTimeout(t *testing.T) {
	h := newHarness(t)
	h.worker.cfg.MaxAttempts = 1
	h.worker.cfg.SettlementTimeout = 10 * time.Millisecond
	h.worker.adapter = settlement.AdapterFunc(func(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := h.status(t, txn.ID); got != domain.StatusFailed {
		t.Fatalf("expected failed after timeout, got %s", got)
	}
}

func TestWorkerSkipsMalformedAndMissingJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, result{ok: true})

	h.queue.Append(ctx, mainStream, map[string]string{"foo": "bar"})
	h.queue.Append(ctx, mainStream, map[string]string{domain.FieldTxnID: "abc"})
	h.queue.Append(ctx, mainStream, map[string]string{domain.FieldTxnID: "999"})
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("valid job behind bad entries should complete, got %s", got)
	}
	if h.rail.Calls() != 1 {
		t.Fatalf("expected 1 settlement call, got %d", h.rail.Calls())
	}
	if got, want := h.cursor(t), lastEntryID(h.queue); got != want {
		t.Fatalf("cursor %s, want %s", got, want)
	}
}

func TestWorkerSkipsRedeliveredTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, result{ok: true})
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	// Simulate a crash before the cursor was persisted.
	if err := h.store.SaveCursor(ctx, workerID, mainStream, store.InitialCursor); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	if err := h.worker.PollOnce(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if h.rail.Calls() != 1 {
		t.Fatalf("redelivery must not settle again, got %d calls", h.rail.Calls())
	}
	history, _ := h.store.History(ctx, txn.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 transitions, got %+v", history)
	}
	if got, want := h.cursor(t), lastEntryID(h.queue); got != want {
		t.Fatalf("cursor %s, want %s", got, want)
	}
}

// flakyLedger fails the first n lookups.
type flakyLedger struct {
	Ledger
	failures int
}

func (l *flakyLedger) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	if l.failures > 0 {
		l.failures--
		return domain.Transaction{}, errors.New("connection refused")
	}
	return l.Ledger.GetTransaction(ctx, id)
}

func TestWorkerHoldsCursorOnInfrastructureError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, result{ok: true})
	h.worker.ledger = &flakyLedger{Ledger: h.store, failures: 1}
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(ctx); err == nil {
		t.Fatal("expected poll error")
	}
	if got := h.cursor(t); got != store.InitialCursor {
		t.Fatalf("cursor moved to %s on failure", got)
	}
	if got := h.status(t, txn.ID); got != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", got)
	}

	if err := h.worker.PollOnce(ctx); err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("expected completed after recovery, got %s", got)
	}
}

type failingDLQ struct {
	*queue.MemoryQueue
}

func (f failingDLQ) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if stream == dlqStream {
		return "", errors.New("dlq unavailable")
	}
	return f.MemoryQueue.Append(ctx, stream, fields)
}

func TestWorkerHoldsCursorWhenDeadLetterFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, result{ok: false})
	h.worker.queue = failingDLQ{h.queue}
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(ctx); err == nil {
		t.Fatal("expected poll error")
	}
	if got := h.status(t, txn.ID); got != domain.StatusProcessing {
		t.Fatalf("failure must not be recorded before dead-lettering, got %s", got)
	}
	if got := h.cursor(t); got != store.InitialCursor {
		t.Fatalf("cursor moved to %s", got)
	}
}

func TestWorkerStopsDuringBackoffWithoutAdvancing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, result{ok: false})
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	txn := h.submit(t, "k1")

	if err := h.worker.PollOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := h.cursor(t); got != store.InitialCursor {
		t.Fatalf("cursor moved to %s", got)
	}
	if got := h.status(t, txn.ID); got != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}
	if n := len(h.queue.Entries(dlqStream)); n != 0 {
		t.Fatalf("shutdown must not dead-letter, got %d entries", n)
	}
}

// flakyCursors fails the first n cursor loads.
type flakyCursors struct {
	CursorStore
	failures int
}

func (c *flakyCursors) LoadCursor(ctx context.Context, consumer, stream string) (string, error) {
	if c.failures > 0 {
		c.failures--
		return "", errors.New("postgres: too many connections")
	}
	return c.CursorStore.LoadCursor(ctx, consumer, stream)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRunContinuesAfterPollError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, result{ok: true})
	h.worker.cursors = &flakyCursors{CursorStore: h.store, failures: 1}
	h.worker.cfg.PollInterval = 250 * time.Millisecond
	txn := h.submit(t, "k1")

	cycles := 0
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		cycles++
		if cycles == 2 {
			cancel()
		}
		return ctx.Err()
	}
	before := counterValue(t, pollErrors)

	if err := h.worker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cycles != 2 {
		t.Fatalf("expected 2 poll cycles, got %d", cycles)
	}
	if got := counterValue(t, pollErrors) - before; got != 1 {
		t.Fatalf("expected 1 poll error counted, got %v", got)
	}
	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("second cycle should settle the job, got %s", got)
	}
}

// markFailingStore accepts transactions but cannot record enqueued_at.
type markFailingStore struct {
	*store.MemoryStore
}

func (markFailingStore) MarkEnqueued(ctx context.Context, id int64) error {
	return errors.New("postgres: connection reset")
}

func TestWorkerSettlesOnceWhenSweepDuplicatesJob(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newHarness(t, result{ok: true})
	h.store.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	h.gate = service.NewIntakeGate(markFailingStore{h.store}, service.NewIdempotencyGuard(h.store), h.queue, mainStream, logger)
	txn := h.submit(t, "k1")

	n, err := service.NewReconciler(h.store, h.queue, mainStream, logger).Sweep(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("sweep: recovered %d, err %v", n, err)
	}
	if got := len(h.queue.Entries(mainStream)); got != 2 {
		t.Fatalf("expected duplicate job on the stream, got %d entries", got)
	}

	if err := h.worker.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if h.rail.Calls() != 1 {
		t.Fatalf("duplicate job must not settle again, got %d calls", h.rail.Calls())
	}
	if got := h.status(t, txn.ID); got != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got, want := h.cursor(t), lastEntryID(h.queue); got != want {
		t.Fatalf("cursor %s, want %s", got, want)
	}
}

func TestRunReturnsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, result{ok: true})
	h.worker.sleep = sleepContext
	h.worker.cfg.PollInterval = time.Hour

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(2*time.Second, 10*time.Second, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
