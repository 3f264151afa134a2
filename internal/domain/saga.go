package domain

import (
	"strings"
	"time"
)

// SagaStage: стадия жизненного цикла заказа в саге.
type SagaStage string

const (
	// SagaStageNone: состояния ещё нет (используется только в таблице переходов).
	SagaStageNone SagaStage = ""
	// SagaStageSubmitted: заказ создан, ждёт принятия в исполнение.
	SagaStageSubmitted SagaStage = "Submitted"
	// SagaStageAwaitingFulfillment: ждём завершения исполнения.
	SagaStageAwaitingFulfillment SagaStage = "AwaitingFulfillment"
	// SagaStageCompensating: отмена зафиксирована, резерв средств снимается.
	// Из этой стадии выходят только в Cancelled или CompensationFailed.
	SagaStageCompensating SagaStage = "Compensating"
	// SagaStageCompleted: заказ завершён.
	SagaStageCompleted SagaStage = "Completed"
	// SagaStageCancelled: заказ отменён, компенсации поставлены в очередь.
	SagaStageCancelled SagaStage = "Cancelled"
	// SagaStageCompensationFailed: компенсация не удалась, нужен оператор.
	SagaStageCompensationFailed SagaStage = "CompensationFailed"
)

// SagaStages перечисляет все реальные стадии.
func SagaStages() []SagaStage {
	return []SagaStage{
		SagaStageSubmitted,
		SagaStageAwaitingFulfillment,
		SagaStageCompensating,
		SagaStageCompleted,
		SagaStageCancelled,
		SagaStageCompensationFailed,
	}
}

// Terminal сообщает, что из стадии нет автоматических переходов.
func (s SagaStage) Terminal() bool {
	switch s {
	case SagaStageCompleted, SagaStageCancelled, SagaStageCompensationFailed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что стадия известна.
func (s SagaStage) Valid() bool {
	switch s {
	case SagaStageSubmitted, SagaStageAwaitingFulfillment, SagaStageCompensating,
		SagaStageCompleted, SagaStageCancelled, SagaStageCompensationFailed:
		return true
	default:
		return false
	}
}

// SagaState: запись саги одного заказа, ключ CorrelationID (= OrderID).
type SagaState struct {
	OrderID       string
	BasketID      string
	BuyerEmail    string
	BuyerFullName string
	Total         Money
	Stage         SagaStage
	Version       int64
	CancelReason  string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CorrelationID возвращает ключ саги.
func (s SagaState) CorrelationID() string { return s.OrderID }

// ValidateInvariants проверяет базовые инварианты и возвращает все найденные ошибки.
func (s SagaState) ValidateInvariants() []error {
	var errs []error
	if strings.TrimSpace(s.OrderID) == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(s.BasketID) == "" {
		errs = append(errs, ErrBasketIDRequired)
	}
	if strings.TrimSpace(s.BuyerEmail) == "" {
		errs = append(errs, ErrBuyerEmailRequired)
	}
	if err := s.Total.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !s.Stage.Valid() {
		errs = append(errs, ErrInvalidSagaTransition)
	}
	return errs
}

// SagaCommit: атомарная единица записи: новое состояние саги, исход ключа
// идемпотентности и записи outbox. State == nil означает запись без саги
// (например, пересылка рейтингов).
type SagaCommit struct {
	State           *SagaState
	ExpectedVersion int64
	IdempotencyKey  string
	Outcome         []byte
	Outbox          []OutboxEntry
	CommittedAt     time.Time
}
