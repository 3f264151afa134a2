package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	// DefaultRetention должен превышать максимальное окно повторной доставки брокера.
	DefaultRetention = 72 * time.Hour
	// DefaultLease: время, после которого брошенный захват можно забрать.
	DefaultLease = 30 * time.Second
)

var (
	idempotencyClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersaga_idempotency_claims_total",
		Help: "Total number of idempotency key claims grouped by result.",
	}, []string{"result"})
	idempotencyOutcomeConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordersaga_idempotency_outcome_conflicts_total",
		Help: "Total number of attempts to record a different outcome for a completed key.",
	})
)

// ClaimState: результат попытки захвата ключа.
type ClaimState int

const (
	// ClaimFresh: ключ захвачен, сообщение нужно обработать.
	ClaimFresh ClaimState = iota
	// ClaimInProgress: ключ обрабатывается в другом месте.
	ClaimInProgress
	// ClaimCompleted: исход уже записан, его нужно воспроизвести.
	ClaimCompleted
)

func (s ClaimState) String() string {
	switch s {
	case ClaimFresh:
		return "fresh"
	case ClaimInProgress:
		return "in_progress"
	case ClaimCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Claim: ответ TryBegin.
type Claim struct {
	State   ClaimState
	Outcome domain.Outcome
	Record  domain.IdempotencyRecord
}

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithStoreLogger задает logger.
func WithStoreLogger(logger *log.Entry) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetention задает окно хранения исходов.
func WithRetention(retention time.Duration) StoreOption {
	return func(s *Store) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithLease задает аренду захвата.
func WithLease(lease time.Duration) StoreOption {
	return func(s *Store) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithClock подменяет часы (для тестов).
func WithClock(clock domain.Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Store: слой идемпотентности поверх репозитория ключей. При недоступности
// репозитория работает fail closed: обработка сообщения запрещается.
type Store struct {
	repo      domain.IdempotencyRepository
	clock     domain.Clock
	logger    *log.Entry
	retention time.Duration
	lease     time.Duration
}

// NewStore создает слой идемпотентности.
func NewStore(repo domain.IdempotencyRepository, options ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		clock:     domain.SystemClock(),
		logger:    log.WithField("component", "idempotency-store"),
		retention: DefaultRetention,
		lease:     DefaultLease,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Retention возвращает окно хранения.
func (s *Store) Retention() time.Duration { return s.retention }

// TryBegin атомарно захватывает ключ конверта или сообщает, что он в работе/завершён.
func (s *Store) TryBegin(ctx context.Context, env domain.Envelope) (Claim, error) {
	hash, err := env.RequestHash()
	if err != nil {
		return Claim{}, err
	}

	now := s.clock.Now()
	record, claimed, err := s.repo.Claim(ctx, domain.IdempotencyClaim{
		Key:         env.IdempotencyKey,
		Kind:        env.Kind,
		RequestHash: hash,
		Now:         now,
		LeaseUntil:  now.Add(s.lease),
		ExpiresAt:   now.Add(s.retention),
	})
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		idempotencyClaimsTotal.WithLabelValues("mismatch").Inc()
		s.logger.WithFields(log.Fields{
			"idempotency_key": env.IdempotencyKey,
			"kind":            env.Kind,
			"recorded_kind":   record.Kind,
		}).Error("idempotency key reused for a different request")
		return Claim{}, err
	case errors.Is(err, domain.ErrIdempotencyKeyRequired), errors.Is(err, domain.ErrIdempotencyRequestHashRequired):
		idempotencyClaimsTotal.WithLabelValues("invalid").Inc()
		return Claim{}, err
	case err != nil:
		idempotencyClaimsTotal.WithLabelValues("error").Inc()
		return Claim{}, fmt.Errorf("%w: %w", domain.ErrIdempotencyStoreUnavailable, err)
	}

	if claimed {
		idempotencyClaimsTotal.WithLabelValues(ClaimFresh.String()).Inc()
		return Claim{State: ClaimFresh, Record: record}, nil
	}
	if record.Status != domain.IdempotencyStatusDone {
		idempotencyClaimsTotal.WithLabelValues(ClaimInProgress.String()).Inc()
		return Claim{State: ClaimInProgress, Record: record}, nil
	}

	outcome, err := domain.DecodeOutcome(record.Outcome)
	if err != nil {
		idempotencyClaimsTotal.WithLabelValues("error").Inc()
		return Claim{}, fmt.Errorf("%w: %w", domain.ErrIdempotencyStoreUnavailable, err)
	}
	idempotencyClaimsTotal.WithLabelValues(ClaimCompleted.String()).Inc()
	return Claim{State: ClaimCompleted, Outcome: outcome, Record: record}, nil
}

// Complete записывает итог для ключа. Повтор с тем же итогом ничего не делает,
// другой итог возвращает ErrIdempotencyOutcomeConflict.
func (s *Store) Complete(ctx context.Context, key string, outcome domain.Outcome) error {
	raw, err := outcome.Encode()
	if err != nil {
		return err
	}
	if err := s.repo.Complete(ctx, key, raw, s.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrIdempotencyOutcomeConflict) {
			idempotencyOutcomeConflictsTotal.Inc()
			s.logger.WithError(err).WithFields(log.Fields{
				"idempotency_key": key,
				"outcome":         outcome.Kind,
			}).Error("conflicting outcome for completed idempotency key")
		}
		return err
	}
	return nil
}

// Abandon снимает захват после временной ошибки, чтобы повторная доставка была обработана.
func (s *Store) Abandon(ctx context.Context, key string) error {
	if err := s.repo.Release(ctx, key); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to release idempotency claim, lease will expire")
		return err
	}
	return nil
}

// Expire удаляет все записи с ExpiresAt <= before порциями batchSize.
func (s *Store) Expire(ctx context.Context, before time.Time, batchSize int) (int, error) {
	if before.IsZero() {
		before = s.clock.Now()
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := s.repo.DeleteExpired(ctx, before, batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			idempotencyCleanupDeletedTotal.Add(float64(deleted))
		}

		if deleted < batchSize {
			break
		}
	}

	return totalDeleted, nil
}
