package service

import (
	"context"
	"log/slog"

	"github.com/punchamoorthee/paystream/internal/domain"
)

// TransitionStore applies a status change and its audit entry as one unit.
type TransitionStore interface {
	Transition(ctx context.Context, id int64, next domain.Status) (domain.AuditEntry, error)
	History(ctx context.Context, id int64) ([]domain.AuditEntry, error)
}

// StateMachine drives transactions through queued -> processing -> completed|failed.
type StateMachine struct {
	store  TransitionStore
	logger *slog.Logger
}

func NewStateMachine(s TransitionStore, logger *slog.Logger) *StateMachine {
	return &StateMachine{store: s, logger: logger}
}

func (m *StateMachine) Transition(ctx context.Context, id int64, next domain.Status) (domain.AuditEntry, error) {
	entry, err := m.store.Transition(ctx, id, next)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	m.logger.Info("status transition",
		"txn_id", id,
		"prev_status", entry.PrevStatus,
		"new_status", entry.NewStatus,
		"audit_id", entry.ID,
	)
	return entry, nil
}

// Begin enters processing. It is called once per dispatch attempt.
func (m *StateMachine) Begin(ctx context.Context, id int64) (domain.AuditEntry, error) {
	return m.Transition(ctx, id, domain.StatusProcessing)
}

func (m *StateMachine) Complete(ctx context.Context, id int64) (domain.AuditEntry, error) {
	return m.Transition(ctx, id, domain.StatusCompleted)
}

func (m *StateMachine) Fail(ctx context.Context, id int64) (domain.AuditEntry, error) {
	return m.Transition(ctx, id, domain.StatusFailed)
}

func (m *StateMachine) History(ctx context.Context, id int64) ([]domain.AuditEntry, error) {
	return m.store.History(ctx, id)
}
