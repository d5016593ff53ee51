package models

import "time"

// SubmitResponse is returned for an accepted pay or collect request.
type SubmitResponse struct {
	TransactionID int64  `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// StatusResponse reports the current lifecycle state of a transaction.
type StatusResponse struct {
	TransactionID int64     `json:"transactionId"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HistoryEntry is one audited status change.
type HistoryEntry struct {
	PrevStatus string    `json:"prevStatus"`
	NewStatus  string    `json:"newStatus"`
	ChangedAt  time.Time `json:"changedAt"`
}

// HistoryResponse lists a transaction's transitions, oldest first.
type HistoryResponse struct {
	TransactionID int64          `json:"transactionId"`
	Entries       []HistoryEntry `json:"entries"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
