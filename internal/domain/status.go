package domain

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal step.
// processing -> processing is the re-entry made by each retry attempt and by redelivery.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// CheckTransition returns ErrIllegalTransition wrapped with both states when s -> next is not allowed.
func CheckTransition(s, next Status) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return nil
}

// ValidPath reports whether entries, in order, describe a legal walk starting at queued.
func ValidPath(entries []AuditEntry) bool {
	current := StatusQueued
	for _, e := range entries {
		if e.PrevStatus != current || !current.CanTransitionTo(e.NewStatus) {
			return false
		}
		current = e.NewStatus
	}
	return true
}
