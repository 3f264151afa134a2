package domain

import "errors"

var (
	// ErrInvalidEnvelope: конверт сообщения не прошёл базовую проверку.
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	// ErrUnknownMessageKind: тип сообщения не поддерживается.
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrInvalidPayload: полезную нагрузку не удалось разобрать или она неполная.
	ErrInvalidPayload = errors.New("invalid message payload")
	// ErrOrderIDRequired: в команде нет идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrBasketIDRequired: в команде нет идентификатора корзины.
	ErrBasketIDRequired = errors.New("basket_id is required")
	// ErrBuyerEmailRequired: в команде нет email покупателя.
	ErrBuyerEmailRequired = errors.New("buyer_email is required")
	// ErrCurrencyRequired: не указан код валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// ErrAmountNegative: отрицательная сумма заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// ErrMoneyFormat: строку суммы не удалось разобрать как десятичное число.
	ErrMoneyFormat = errors.New("invalid money format")

	// ErrSagaNotFound возвращается, если для correlation id нет состояния саги.
	ErrSagaNotFound = errors.New("saga state not found")
	// ErrSagaAlreadyExists: попытка повторно создать сагу.
	ErrSagaAlreadyExists = errors.New("saga state already exists")
	// ErrSagaVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrSagaVersionConflict = errors.New("saga version conflict")
	// ErrInvalidSagaTransition: сообщение допустимо, но не для текущей стадии саги.
	ErrInvalidSagaTransition = errors.New("invalid saga transition")
	// ErrCompensationFailed: компенсация не завершилась после всех попыток.
	ErrCompensationFailed = errors.New("saga compensation failed")
	// ErrCompensationTemporary: временная ошибка компенсирующего вызова, можно повторить.
	ErrCompensationTemporary = errors.New("compensation temporary error")

	// ErrIdempotencyKeyRequired: пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired: пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound: запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyHashMismatch: ключ переиспользован для другого запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyInProgress: ключ уже обрабатывается другим обработчиком.
	ErrIdempotencyInProgress = errors.New("idempotency key is in progress")
	// ErrIdempotencyOutcomeConflict: для ключа пытаются записать другой результат.
	ErrIdempotencyOutcomeConflict = errors.New("idempotency outcome conflict")
	// ErrIdempotencyStoreUnavailable: хранилище ключей недоступно, обработка запрещена.
	ErrIdempotencyStoreUnavailable = errors.New("idempotency store unavailable")

	// ErrTransportUnavailable: брокер или хранилище временно недоступны.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxEntryNotFound: запись outbox не найдена.
	ErrOutboxEntryNotFound = errors.New("outbox entry not found")
	// ErrLockNotAcquired: не удалось взять блокировку по ключу.
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrSagaVersionConflict)
}

// IsNotFound проверяет отсутствие саги.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSagaNotFound)
}

// IsIdempotencyConflict сообщает, что ключ нельзя использовать для текущего запроса.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyHashMismatch) ||
		errors.Is(err, ErrIdempotencyInProgress) ||
		errors.Is(err, ErrIdempotencyOutcomeConflict)
}

// IsInvalidMessage объединяет ошибки валидации входящего сообщения.
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidEnvelope) ||
		errors.Is(err, ErrUnknownMessageKind) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrIdempotencyKeyRequired) ||
		errors.Is(err, ErrIdempotencyHashMismatch)
}
