package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

type idempotencyRepository struct {
	store *Store
}

// Claim захватывает ключ. Брошенный захват (истёкшая аренда) забирается заново.
func (r *idempotencyRepository) Claim(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, bool, error) {
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

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.keys[key]; ok && existing.ExpiresAt.After(now) {
		if !existing.Matches(claim.Kind, requestHash) {
			return cloneIdempotencyRecord(existing), false, domain.ErrIdempotencyHashMismatch
		}
		if !existing.LeaseExpired(now) {
			return cloneIdempotencyRecord(existing), false, nil
		}
		existing.LeaseUntil = claim.LeaseUntil
		existing.UpdatedAt = now
		s.keys[key] = existing
		return cloneIdempotencyRecord(existing), true, nil
	}

	record := domain.IdempotencyRecord{
		Key:         key,
		Kind:        claim.Kind,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		LeaseUntil:  claim.LeaseUntil,
		ExpiresAt:   claim.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.keys[key] = record
	return cloneIdempotencyRecord(record), true, nil
}

func (r *idempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	record, ok := r.store.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepository) Complete(_ context.Context, key string, outcome []byte, recordedAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	if record.Status == domain.IdempotencyStatusDone {
		if record.SameOutcome(outcome) {
			return nil
		}
		return fmt.Errorf("%w: key %s", domain.ErrIdempotencyOutcomeConflict, key)
	}

	record.Status = domain.IdempotencyStatusDone
	record.Outcome = append([]byte(nil), outcome...)
	record.RecordedAt = recordedAt
	record.LeaseUntil = recordedAt
	record.UpdatedAt = recordedAt
	r.store.keys[key] = record
	return nil
}

func (r *idempotencyRepository) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.keys[key]
	if !ok {
		return nil
	}
	if record.Status == domain.IdempotencyStatusProcessing {
		delete(r.store.keys, key)
	}
	return nil
}

func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	removed := 0
	for key, record := range r.store.keys {
		if record.ExpiresAt.After(before) {
			continue
		}

		delete(r.store.keys, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.Outcome = append([]byte(nil), src.Outcome...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
