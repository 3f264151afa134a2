package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const claimAttempts = 3

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

const idempotencyColumns = `key, kind, request_hash, status, outcome, lease_until, recorded_at, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		record     domain.IdempotencyRecord
		kind       string
		status     string
		recordedAt sql.NullTime
	)
	if err := row.Scan(
		&record.Key,
		&kind,
		&record.RequestHash,
		&status,
		&record.Outcome,
		&record.LeaseUntil,
		&recordedAt,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	record.Kind = domain.MessageKind(kind)
	record.Status = domain.IdempotencyStatus(status)
	if recordedAt.Valid {
		record.RecordedAt = recordedAt.Time.UTC()
	}
	record.LeaseUntil = record.LeaseUntil.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

// Claim вставляет новый ключ либо перезаписывает истёкший одним upsert.
// Брошенный захват (истёкшая аренда) забирается условным UPDATE.
func (r *idempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, bool, error) {
	key := strings.TrimSpace(claim.Key)
	requestHash := strings.TrimSpace(claim.RequestHash)

	if key == "" {
		return domain.IdempotencyRecord{}, false, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, false, domain.ErrIdempotencyRequestHashRequired
	}

	now := claim.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	for range claimAttempts {
		record, claimed, err := r.claimOnce(ctx, key, requestHash, claim, now)
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			// Ключ удалили между upsert и чтением, пробуем снова.
			continue
		}
		return record, claimed, err
	}
	return domain.IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key %s: row vanished concurrently", key)
}

func (r *idempotencyRepository) claimOnce(ctx context.Context, key, requestHash string, claim domain.IdempotencyClaim, now time.Time) (domain.IdempotencyRecord, bool, error) {
	opCtx, cancel := withTimeout(ctx)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(opCtx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1,$2,$3,'processing',NULL,$4,NULL,$5,$6,$6)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			request_hash = EXCLUDED.request_hash,
			status = 'processing',
			outcome = NULL,
			lease_until = EXCLUDED.lease_until,
			recorded_at = NULL,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= $6
		RETURNING `+idempotencyColumns,
		key,
		string(claim.Kind),
		requestHash,
		claim.LeaseUntil.UTC(),
		claim.ExpiresAt.UTC(),
		now,
	))
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	if !existing.Matches(claim.Kind, requestHash) {
		return existing, false, domain.ErrIdempotencyHashMismatch
	}
	if !existing.LeaseExpired(now) {
		return existing, false, nil
	}

	reclaimed, err := scanIdempotencyRecord(r.db.QueryRowContext(opCtx, `
		UPDATE idempotency_keys
		SET lease_until = $2, updated_at = $3
		WHERE key = $1 AND status = 'processing' AND lease_until <= $3
		RETURNING `+idempotencyColumns,
		key,
		claim.LeaseUntil.UTC(),
		now,
	))
	if err == nil {
		return reclaimed, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("reclaim idempotency key: %w", err)
	}

	// Аренду забрал кто-то другой.
	current, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return current, false, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_keys
		WHERE key = $1
	`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return record, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, key string, outcome []byte, recordedAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	opCtx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		UPDATE idempotency_keys
		SET status = 'done', outcome = $2, recorded_at = $3, lease_until = $3, updated_at = $3
		WHERE key = $1 AND status = 'processing'
	`, key, outcome, recordedAt.UTC())
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if affected > 0 {
		return nil
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing.SameOutcome(outcome) {
		return nil
	}
	return fmt.Errorf("%w: key %s", domain.ErrIdempotencyOutcomeConflict, key)
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE key = $1 AND status = 'processing'
	`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return int(affected), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
