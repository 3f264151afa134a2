package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

const (
	// outboxClaimLockID сериализует захват пачек между экземплярами сервиса.
	outboxClaimLockID int64 = 0x6f7574626f78
	outboxClaimLease        = 30 * time.Second
)

// PullPending захватывает pending-записи арендой claimed_until. Запись не выдаётся,
// пока более ранняя запись того же заказа захвачена другим экземпляром, поэтому
// порядок внутри заказа сохраняется и при нескольких dispatcher.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxClaimLockID); err != nil {
		return nil, fmt.Errorf("lock outbox claim: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE outbox_messages AS o
		SET claimed_until = now() + make_interval(secs => $2)
		WHERE o.seq IN (
			SELECT p.seq FROM outbox_messages AS p
			WHERE p.status = 'pending'
			  AND (p.claimed_until IS NULL OR p.claimed_until < now())
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_messages AS e
				WHERE e.correlation_id = p.correlation_id
				  AND e.status = 'pending'
				  AND e.seq < p.seq
				  AND e.claimed_until >= now()
			  )
			ORDER BY p.seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.seq, o.message_id, o.correlation_id, o.destination, o.kind, o.payload, o.attempts, o.created_at
	`, limit, outboxClaimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}

	out := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		var (
			entry       domain.OutboxEntry
			destination string
			kind        string
		)
		if err := rows.Scan(
			&entry.Seq,
			&entry.MessageID,
			&entry.CorrelationID,
			&destination,
			&kind,
			&entry.Payload,
			&entry.Attempts,
			&entry.CreatedAt,
		); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		entry.Destination = domain.Destination(destination)
		entry.Kind = domain.MessageKind(kind)
		entry.Status = domain.OutboxStatusPending
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim: %w", err)
	}
	committed = true

	// RETURNING не гарантирует порядок.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, messageID string, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', attempts = attempts + 1, sent_at = $2, claimed_until = NULL
		WHERE message_id = $1
	`, messageID, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return requireAffected(res)
}

func (r *outboxRepository) RecordAttempt(ctx context.Context, messageID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, claimed_until = NULL
		WHERE message_id = $1
	`, messageID)
	if err != nil {
		return fmt.Errorf("record outbox attempt: %w", err)
	}
	return requireAffected(res)
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = 'pending'
	`).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOutboxEntryNotFound
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
