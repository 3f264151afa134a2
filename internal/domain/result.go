package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultKind: закрытый набор исходов обработки входящего сообщения.
type ResultKind string

const (
	// ResultApplied: переход применён и зафиксирован.
	ResultApplied ResultKind = "applied"
	// ResultDuplicateDelivery: повторная доставка, возвращён сохранённый исход.
	ResultDuplicateDelivery ResultKind = "duplicate_delivery"
	// ResultInvalidTransition: сообщение пришло в неподходящей стадии саги.
	ResultInvalidTransition ResultKind = "invalid_saga_transition"
	// ResultNotFound: сага, на которую ссылается сообщение, не существует.
	ResultNotFound ResultKind = "not_found"
	// ResultConcurrencyConflict: исчерпаны попытки оптимистичной блокировки.
	ResultConcurrencyConflict ResultKind = "concurrency_conflict"
	// ResultTransportUnavailable: инфраструктура недоступна, сообщение нужно доставить позже.
	ResultTransportUnavailable ResultKind = "transport_unavailable"
	// ResultCompensationFailure: компенсация не удалась, сага припаркована.
	ResultCompensationFailure ResultKind = "compensation_failure"
	// ResultInvalidMessage: сообщение некорректно и не может быть обработано.
	ResultInvalidMessage ResultKind = "invalid_message"
)

// ResultKinds перечисляет все исходы (для метрик и тестов).
func ResultKinds() []ResultKind {
	return []ResultKind{
		ResultApplied,
		ResultDuplicateDelivery,
		ResultInvalidTransition,
		ResultNotFound,
		ResultConcurrencyConflict,
		ResultTransportUnavailable,
		ResultCompensationFailure,
		ResultInvalidMessage,
	}
}

// Disposition: что транспорт должен сделать с сообщением.
type Disposition string

const (
	// DispositionAck: подтвердить сообщение.
	DispositionAck Disposition = "ack"
	// DispositionRetry: вернуть сообщение на повторную доставку.
	DispositionRetry Disposition = "retry"
	// DispositionDeadLetter: отправить сообщение в DLQ.
	DispositionDeadLetter Disposition = "dead_letter"
	// DispositionAlert: подтвердить и поднять операторский алерт.
	DispositionAlert Disposition = "alert"
)

// Disposition сопоставляет исход с политикой транспорта.
func (k ResultKind) Disposition() Disposition {
	switch k {
	case ResultApplied, ResultDuplicateDelivery, ResultInvalidTransition:
		return DispositionAck
	case ResultConcurrencyConflict, ResultTransportUnavailable:
		return DispositionRetry
	case ResultNotFound, ResultInvalidMessage:
		return DispositionDeadLetter
	case ResultCompensationFailure:
		return DispositionAlert
	default:
		return DispositionDeadLetter
	}
}

// Retryable сообщает, повторяет ли ядро такой исход автоматически.
func (k ResultKind) Retryable() bool {
	return k.Disposition() == DispositionRetry
}

// Classify переводит ошибку в исход обработки.
func Classify(err error) ResultKind {
	switch {
	case err == nil:
		return ResultApplied
	case errors.Is(err, ErrCompensationFailed):
		return ResultCompensationFailure
	case errors.Is(err, ErrInvalidSagaTransition), errors.Is(err, ErrSagaAlreadyExists):
		return ResultInvalidTransition
	case errors.Is(err, ErrSagaNotFound):
		return ResultNotFound
	case errors.Is(err, ErrSagaVersionConflict), errors.Is(err, ErrIdempotencyInProgress),
		errors.Is(err, ErrLockNotAcquired):
		return ResultConcurrencyConflict
	case IsInvalidMessage(err), errors.Is(err, ErrIdempotencyOutcomeConflict):
		return ResultInvalidMessage
	default:
		return ResultTransportUnavailable
	}
}

// Outcome: итог обработки, сохраняемый за idempotency-key и воспроизводимый при повторе.
type Outcome struct {
	Kind          ResultKind `json:"kind"`
	CorrelationID string     `json:"correlation_id"`
	Stage         SagaStage  `json:"stage,omitempty"`
	Version       int64      `json:"version,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}

// Encode сериализует исход детерминированно (порядок полей фиксирован структурой).
func (o Outcome) Encode() ([]byte, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return raw, nil
}

// DecodeOutcome восстанавливает исход из хранилища.
func DecodeOutcome(raw []byte) (Outcome, error) {
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return out, nil
}
