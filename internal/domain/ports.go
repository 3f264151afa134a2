package domain

import (
	"context"
	"time"
)

// SagaRepository хранит состояния саг и атомарно фиксирует переходы.
type SagaRepository interface {
	// Get возвращает состояние или ErrSagaNotFound.
	Get(ctx context.Context, correlationID string) (SagaState, error)
	// Commit атомарно пишет состояние (с проверкой ExpectedVersion), исход ключа
	// идемпотентности и записи outbox. Возвращает ErrSagaVersionConflict,
	// ErrSagaAlreadyExists или ErrIdempotencyOutcomeConflict.
	Commit(ctx context.Context, commit SagaCommit) error
}

// IdempotencyRepository хранит записи ключей идемпотентности.
type IdempotencyRepository interface {
	// Claim атомарно захватывает ключ. Возвращает запись и признак захвата:
	// false означает, что ключ уже обрабатывается или завершён.
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, bool, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Complete записывает исход; повтор того же исхода ничего не меняет.
	Complete(ctx context.Context, key string, outcome []byte, recordedAt time.Time) error
	// Release снимает незавершённый захват.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxRepository читает и помечает записи outbox. Запись новых идёт только через SagaRepository.Commit.
type OutboxRepository interface {
	// PullPending возвращает pending-записи в порядке добавления. Общие хранилища
	// захватывают выданные записи арендой, чтобы два dispatcher не публиковали одно и то же.
	PullPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkSent(ctx context.Context, messageID string, sentAt time.Time) error
	// RecordAttempt увеличивает счётчик неудачных попыток, статус остаётся pending.
	RecordAttempt(ctx context.Context, messageID string) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// OutboxPublisher публикует сообщения из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт сообщение брокеру и возвращает nil только после подтверждения.
	Publish(ctx context.Context, entry OutboxEntry) error
}

// Locker сериализует обработку по ключу (correlation id).
type Locker interface {
	// Lock блокирует ключ и возвращает функцию снятия блокировки.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Compensator выполняет синхронные компенсации при отмене саги.
type Compensator interface {
	// ReleaseFunds снимает резерв средств по заказу; должен быть идемпотентным по ключу.
	ReleaseFunds(ctx context.Context, state SagaState, idempotencyKey string) error
}
