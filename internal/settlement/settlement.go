// Package settlement talks to the payment rail that actually moves funds.
// Only a simulated rail exists; real network integration plugs in behind Adapter.
package settlement

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Adapter performs one settlement attempt. A false result or an error both mean
// the attempt failed; the caller cannot tell whether funds moved.
type Adapter interface {
	AttemptSettlement(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error)

func (f AdapterFunc) AttemptSettlement(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error) {
	return f(ctx, senderUPI, receiverUPI, amount, txnID)
}

// SimulatedRail mimics a UPI switch: fixed latency and a random success rate.
type SimulatedRail struct {
	logger      *slog.Logger
	latency     time.Duration
	successRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedRail(logger *slog.Logger, latency time.Duration, successRate float64) *SimulatedRail {
	return &SimulatedRail{
		logger:      logger,
		latency:     latency,
		successRate: successRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *SimulatedRail) AttemptSettlement(ctx context.Context, senderUPI, receiverUPI string, amount decimal.Decimal, txnID int64) (bool, error) {
	if r.latency > 0 {
		timer := time.NewTimer(r.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Info("initiating settlement",
		"txn_id", txnID,
		"sender_upi", senderUPI,
		"receiver_upi", receiverUPI,
		"amount", amount.StringFixed(2),
	)

	r.mu.Lock()
	ok := r.rng.Float64() < r.successRate
	r.mu.Unlock()

	if ok {
		r.logger.Info("settlement succeeded", "txn_id", txnID)
	} else {
		r.logger.Warn("settlement rejected by rail", "txn_id", txnID)
	}
	return ok, nil
}
