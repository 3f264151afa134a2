package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

type sagaRepository struct {
	store *Store
}

// Get возвращает копию состояния или ErrSagaNotFound.
func (r *sagaRepository) Get(_ context.Context, correlationID string) (domain.SagaState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	state, ok := r.store.sagas[strings.TrimSpace(correlationID)]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return state, nil
}

// Commit проверяет все условия до первой записи, затем применяет изменения целиком.
func (r *sagaRepository) Commit(_ context.Context, commit domain.SagaCommit) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(commit.IdempotencyKey)
	if key != "" {
		record, ok := s.keys[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		if record.Status == domain.IdempotencyStatusDone {
			if record.SameOutcome(commit.Outcome) {
				// Тот же исход уже зафиксирован вместе с теми же записями.
				return nil
			}
			return fmt.Errorf("%w: key %s", domain.ErrIdempotencyOutcomeConflict, key)
		}
	}

	var next domain.SagaState
	if commit.State != nil {
		next = *commit.State
		current, exists := s.sagas[next.OrderID]
		switch {
		case commit.ExpectedVersion == 0 && exists:
			return domain.ErrSagaAlreadyExists
		case commit.ExpectedVersion > 0 && !exists:
			return domain.ErrSagaNotFound
		case exists && current.Version != commit.ExpectedVersion:
			return domain.ErrSagaVersionConflict
		}
		next.Version = commit.ExpectedVersion + 1
	}

	for _, entry := range commit.Outbox {
		if _, dup := s.outbox[entry.MessageID]; dup {
			return fmt.Errorf("outbox message %s already exists", entry.MessageID)
		}
	}

	if commit.State != nil {
		s.sagas[next.OrderID] = next
	}
	if key != "" {
		record := s.keys[key]
		record.Status = domain.IdempotencyStatusDone
		record.Outcome = append([]byte(nil), commit.Outcome...)
		record.RecordedAt = commit.CommittedAt
		record.UpdatedAt = commit.CommittedAt
		record.LeaseUntil = commit.CommittedAt
		s.keys[key] = record
	}
	for _, entry := range commit.Outbox {
		s.nextSeq++
		stored := cloneOutboxEntry(entry)
		stored.Seq = s.nextSeq
		stored.Status = domain.OutboxStatusPending
		s.outbox[stored.MessageID] = &stored
	}
	return nil
}

var _ domain.SagaRepository = (*sagaRepository)(nil)
