package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// OutboxRepository: in-memory представление transactional outbox.
type OutboxRepository struct {
	store *Store
}

// PullPending возвращает до limit записей `pending` в порядке добавления.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	pending := r.collect(domain.OutboxStatusPending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkSent обновляет статус после подтверждения брокером.
func (r *OutboxRepository) MarkSent(_ context.Context, messageID string, sentAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entry, ok := r.store.outbox[messageID]
	if !ok {
		return domain.ErrOutboxEntryNotFound
	}
	entry.Status = domain.OutboxStatusSent
	entry.Attempts++
	entry.SentAt = sentAt
	return nil
}

// RecordAttempt фиксирует неудачную попытку, запись остаётся pending.
func (r *OutboxRepository) RecordAttempt(_ context.Context, messageID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entry, ok := r.store.outbox[messageID]
	if !ok {
		return domain.ErrOutboxEntryNotFound
	}
	entry.Attempts++
	return nil
}

// Stats считает backlog.
func (r *OutboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	for _, entry := range r.collect(domain.OutboxStatusPending) {
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || entry.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = entry.CreatedAt
		}
	}
	return stats, nil
}

// AllPending возвращает копию всех записей `pending` (используется в тестах).
func (r *OutboxRepository) AllPending() []domain.OutboxEntry {
	return r.collect(domain.OutboxStatusPending)
}

// All возвращает все записи в порядке добавления.
func (r *OutboxRepository) All() []domain.OutboxEntry {
	return r.collect("")
}

func (r *OutboxRepository) collect(status domain.OutboxStatus) []domain.OutboxEntry {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.OutboxEntry, 0, len(r.store.outbox))
	for _, entry := range r.store.outbox {
		if status != "" && entry.Status != status {
			continue
		}
		result = append(result, cloneOutboxEntry(*entry))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func cloneOutboxEntry(src domain.OutboxEntry) domain.OutboxEntry {
	dst := src
	dst.Payload = append([]byte(nil), src.Payload...)
	return dst
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
