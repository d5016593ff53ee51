package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/store"
)

const (
	mainStream = "transactions.main"
	dlqStream  = "transactions.dlq"
)

type fixture struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
}

func newFixture() *fixture {
	return &fixture{store: store.NewMemoryStore(), queue: queue.NewMemoryQueue()}
}

func (f *fixture) open(ctx context.Context) (*backend, func(), error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &backend{
		ledger:     f.store,
		keys:       service.NewIdempotencyGuard(f.store),
		dlq:        f.queue,
		dlqStream:  dlqStream,
		reconciler: service.NewReconciler(f.store, f.queue, mainStream, logger),
	}, func() {}, nil
}

func execute(t *testing.T, f *fixture, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(f.open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) seed(t *testing.T) domain.Transaction {
	t.Helper()
	txn, err := f.store.CreateTransaction(context.Background(), domain.PaymentRequest{
		SenderUPI:   "oliver@upi",
		ReceiverUPI: "lucas@upi",
		Amount:      decimal.RequireFromString("12.50"),
		Kind:        domain.KindPayment,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return txn
}

func TestStatusCommand(t *testing.T) {
	f := newFixture()
	f.seed(t)

	out, err := execute(t, f, "status", "1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"QUEUED", "oliver@upi", "12.50", "not yet"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := execute(t, f, "status", "99"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := execute(t, f, "status", "abc"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestHistoryCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.seed(t)

	out, err := execute(t, f, "history", "1")
	if err != nil || !strings.Contains(out, "no transitions yet") {
		t.Fatalf("expected empty history, got %q (%v)", out, err)
	}

	f.store.Transition(ctx, txn.ID, domain.StatusProcessing)
	f.store.Transition(ctx, txn.ID, domain.StatusCompleted)

	out, err = execute(t, f, "history", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Count(out, "\n") != 3 || !strings.Contains(out, "completed") {
		t.Fatalf("unexpected history output:\n%s", out)
	}
	if strings.Contains(out, "WARNING") {
		t.Fatalf("legal path flagged:\n%s", out)
	}
}

func TestKeyCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.seed(t)
	if err := f.store.PutIdempotencyKey(ctx, "order-77", txn.ID); err != nil {
		t.Fatalf("put key: %v", err)
	}

	out, err := execute(t, f, "key", "order-77")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	for _, want := range []string{"order-77", "Transaction:", "1", "QUEUED"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := execute(t, f, "key", "order-78"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDLQListCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, id := range []string{"7", "8", "9"} {
		f.queue.Append(ctx, dlqStream, map[string]string{
			domain.FieldTxnID:       id,
			domain.FieldSenderUPI:   "a@upi",
			domain.FieldReceiverUPI: "b@upi",
			domain.FieldAmount:      "1.00",
		})
	}

	out, err := execute(t, f, "dlq", "list", "-n", "2")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if !strings.Contains(out, "3 entries") {
		t.Fatalf("expected total count in output:\n%s", out)
	}
	// header + summary + two rows
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", lines, out)
	}
	if strings.Contains(out, "3-0") {
		t.Fatalf("limit not applied:\n%s", out)
	}
}

func TestReconcileCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	txn := f.seed(t)
	if err := f.store.PutIdempotencyKey(ctx, "k1", txn.ID); err != nil {
		t.Fatalf("put key: %v", err)
	}

	out, err := execute(t, f, "reconcile", "--grace", "1m")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "re-enqueued 1") {
		t.Fatalf("unexpected output %q", out)
	}
	if n := len(f.queue.Entries(mainStream)); n != 1 {
		t.Fatalf("expected 1 job, got %d", n)
	}
}

func TestBackendErrorsSurface(t *testing.T) {
	cmd := newRootCmd(func(ctx context.Context) (*backend, func(), error) {
		return nil, nil, errors.New("postgres unreachable")
	})
	cmd.SetArgs([]string{"status", "1"})
	cmd.SetOut(io.Discard)
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected backend error, got %v", err)
	}
}
