package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

type sagaRepository struct {
	db *sql.DB
}

// NewSagaRepository создаёт PostgreSQL-реализацию SagaRepository.
func NewSagaRepository(store *Store) domain.SagaRepository {
	return &sagaRepository{db: store.DB()}
}

const selectSagaSQL = `
	SELECT correlation_id, basket_id, buyer_email, buyer_full_name,
	       total_amount_minor, currency, stage, version,
	       cancel_reason, failure_reason, created_at, updated_at
	FROM saga_states
	WHERE correlation_id = $1
`

func (r *sagaRepository) Get(ctx context.Context, correlationID string) (domain.SagaState, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		state domain.SagaState
		stage string
	)
	err := r.db.QueryRowContext(ctx, selectSagaSQL, correlationID).Scan(
		&state.OrderID,
		&state.BasketID,
		&state.BuyerEmail,
		&state.BuyerFullName,
		&state.Total.AmountMinor,
		&state.Total.Currency,
		&stage,
		&state.Version,
		&state.CancelReason,
		&state.FailureReason,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SagaState{}, domain.ErrSagaNotFound
		}
		return domain.SagaState{}, fmt.Errorf("get saga state: %w", err)
	}
	state.Stage = domain.SagaStage(stage)
	state.CreatedAt = state.CreatedAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	return state, nil
}

// Commit пишет состояние, исход ключа и outbox в одной транзакции.
// Ключ блокируется FOR UPDATE, поэтому параллельный Commit с тем же ключом ждёт.
func (r *sagaRepository) Commit(ctx context.Context, commit domain.SagaCommit) error {
	committedAt := commit.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}
	key := strings.TrimSpace(commit.IdempotencyKey)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saga commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if key != "" {
		var (
			status  string
			outcome []byte
		)
		err := tx.QueryRowContext(ctx, `
			SELECT status, outcome FROM idempotency_keys WHERE key = $1 FOR UPDATE
		`, key).Scan(&status, &outcome)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrIdempotencyKeyNotFound
			}
			return fmt.Errorf("lock idempotency key: %w", err)
		}
		if domain.IdempotencyStatus(status) == domain.IdempotencyStatusDone {
			if bytes.Equal(outcome, commit.Outcome) {
				// Тот же исход уже зафиксирован вместе с теми же записями.
				return nil
			}
			return fmt.Errorf("%w: key %s", domain.ErrIdempotencyOutcomeConflict, key)
		}
	}

	if commit.State != nil {
		if err := writeSagaState(ctx, tx, *commit.State, commit.ExpectedVersion); err != nil {
			return err
		}
	}

	if key != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET status = 'done', outcome = $2, recorded_at = $3, lease_until = $3, updated_at = $3
			WHERE key = $1
		`, key, commit.Outcome, committedAt.UTC()); err != nil {
			return fmt.Errorf("record idempotency outcome: %w", err)
		}
	}

	for _, entry := range commit.Outbox {
		if err := insertOutboxEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit saga transaction: %w", err)
	}
	committed = true
	return nil
}

func writeSagaState(ctx context.Context, tx *sql.Tx, state domain.SagaState, expected int64) error {
	version := expected + 1

	if expected == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO saga_states (
				correlation_id, basket_id, buyer_email, buyer_full_name,
				total_amount_minor, currency, stage, version,
				cancel_reason, failure_reason, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (correlation_id) DO NOTHING
		`,
			state.OrderID,
			state.BasketID,
			state.BuyerEmail,
			state.BuyerFullName,
			state.Total.AmountMinor,
			state.Total.Currency,
			string(state.Stage),
			version,
			state.CancelReason,
			state.FailureReason,
			state.CreatedAt.UTC(),
			state.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert saga state: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return domain.ErrSagaAlreadyExists
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE saga_states
		SET stage = $2, version = $3, cancel_reason = $4, failure_reason = $5, updated_at = $6
		WHERE correlation_id = $1 AND version = $7
	`,
		state.OrderID,
		string(state.Stage),
		version,
		state.CancelReason,
		state.FailureReason,
		state.UpdatedAt.UTC(),
		expected,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM saga_states WHERE correlation_id = $1)
	`, state.OrderID).Scan(&exists); err != nil {
		return fmt.Errorf("check saga state: %w", err)
	}
	if !exists {
		return domain.ErrSagaNotFound
	}
	return domain.ErrSagaVersionConflict
}

func insertOutboxEntry(ctx context.Context, tx *sql.Tx, entry domain.OutboxEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			message_id, correlation_id, destination, kind, payload,
			status, attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6)
	`,
		entry.MessageID,
		entry.CorrelationID,
		string(entry.Destination),
		string(entry.Kind),
		entry.Payload,
		createdAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("outbox message %s already exists", entry.MessageID)
		}
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

var _ domain.SagaRepository = (*sagaRepository)(nil)
