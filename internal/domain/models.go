package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes a push payment from a collect (pull) request.
type Kind string

const (
	KindPayment Kind = "payment"
	KindCollect Kind = "collect"
)

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	return k == KindPayment || k == KindCollect
}

// PaymentRequest is the intake input after HTTP decoding.
type PaymentRequest struct {
	SenderUPI   string          `json:"senderUpi"`
	ReceiverUPI string          `json:"receiverUpi"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"-"`
}

// Transaction is the ledger row for one money movement.
// Amount, parties and kind never change after creation.
type Transaction struct {
	ID          int64           `json:"id"`
	SenderUPI   string          `json:"senderUpi"`
	ReceiverUPI string          `json:"receiverUpi"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	EnqueuedAt  *time.Time      `json:"enqueuedAt,omitempty"`
}

// IdempotencyRecord maps a client request key to the transaction it produced.
type IdempotencyRecord struct {
	Key           string    `json:"key"`
	TransactionID int64     `json:"transactionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditEntry records one status transition. Entries are append-only.
type AuditEntry struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transactionId"`
	PrevStatus    Status    `json:"prevStatus"`
	NewStatus     Status    `json:"newStatus"`
	ChangedAt     time.Time `json:"changedAt"`
}
