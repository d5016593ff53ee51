package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Wire field names of a queue job.
const (
	FieldTxnID       = "txnId"
	FieldSenderUPI   = "senderUpi"
	FieldReceiverUPI = "receiverUpi"
	FieldAmount      = "amount"
)

var ErrMalformedJob = errors.New("malformed job")

// Job is the queued unit of work for one transaction.
type Job struct {
	TransactionID int64
	SenderUPI     string
	ReceiverUPI   string
	Amount        decimal.Decimal
}

// JobFor mirrors the identity and payment fields of t.
func JobFor(t Transaction) Job {
	return Job{
		TransactionID: t.ID,
		SenderUPI:     t.SenderUPI,
		ReceiverUPI:   t.ReceiverUPI,
		Amount:        t.Amount,
	}
}

// Fields renders the job as the flat string map written to the stream.
// The amount is a fixed two-place decimal string so no precision is lost in transit.
func (j Job) Fields() map[string]string {
	return map[string]string{
		FieldTxnID:       strconv.FormatInt(j.TransactionID, 10),
		FieldSenderUPI:   j.SenderUPI,
		FieldReceiverUPI: j.ReceiverUPI,
		FieldAmount:      j.Amount.StringFixed(2),
	}
}

// ParseTransactionID extracts the transaction ID from raw stream fields.
// It is the only field the worker needs to locate the ledger row.
func ParseTransactionID(fields map[string]string) (int64, error) {
	raw, ok := fields[FieldTxnID]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("%w: %s missing", ErrMalformedJob, FieldTxnID)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedJob, FieldTxnID, raw)
	}
	return id, nil
}

// JobFromFields decodes every job field.
func JobFromFields(fields map[string]string) (Job, error) {
	id, err := ParseTransactionID(fields)
	if err != nil {
		return Job{}, err
	}
	amount, err := decimal.NewFromString(fields[FieldAmount])
	if err != nil {
		return Job{}, fmt.Errorf("%w: %s=%q", ErrMalformedJob, FieldAmount, fields[FieldAmount])
	}
	return Job{
		TransactionID: id,
		SenderUPI:     fields[FieldSenderUPI],
		ReceiverUPI:   fields[FieldReceiverUPI],
		Amount:        amount,
	}, nil
}
