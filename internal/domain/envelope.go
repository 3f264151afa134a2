package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageKind различает типы команд и событий.
type MessageKind string

const (
	// KindPlaceOrder: команда оформления заказа после checkout.
	KindPlaceOrder MessageKind = "PlaceOrderCommand"
	// KindFulfillmentAccepted: внутреннее событие: заказ принят в исполнение.
	KindFulfillmentAccepted MessageKind = "FulfillmentAcceptedEvent"
	// KindCompleteOrder: команда завершения заказа.
	KindCompleteOrder MessageKind = "CompleteOrderCommand"
	// KindCancelOrder: команда отмены заказа.
	KindCancelOrder MessageKind = "CancelOrderCommand"
	// KindBasketCheckoutFailed: корзина не смогла завершить checkout.
	KindBasketCheckoutFailed MessageKind = "BasketCheckoutFailedIntegrationEvent"
	// KindFeedbackCreated: создан отзыв на книгу.
	KindFeedbackCreated MessageKind = "FeedbackCreatedIntegrationEvent"
	// KindFeedbackDeleted: отзыв удалён.
	KindFeedbackDeleted MessageKind = "FeedbackDeletedIntegrationEvent"

	// KindOrderPlaced: заказ создан.
	KindOrderPlaced MessageKind = "OrderPlacedEvent"
	// KindBasketDeletedComplete: корзину можно окончательно удалить.
	KindBasketDeletedComplete MessageKind = "BasketDeletedCompleteIntegrationEvent"
	// KindReserveFunds: резервирование средств в финансовом сервисе.
	KindReserveFunds MessageKind = "ReserveFundsCommand"
	// KindCompleteOrderNotification: уведомление покупателя о завершении.
	KindCompleteOrderNotification MessageKind = "CompleteOrderNotification"
	// KindCancelOrderNotification: уведомление покупателя об отмене.
	KindCancelOrderNotification MessageKind = "CancelOrderNotification"
	// KindDeleteOrder: компенсация: удалить/аннулировать заказ.
	KindDeleteOrder MessageKind = "DeleteOrderCommand"
	// KindCompensationFailedAlert: алерт оператору о зависшей компенсации.
	KindCompensationFailedAlert MessageKind = "SagaCompensationFailedAlert"
	// KindBookRatingChanged: изменение рейтинга книги для каталога.
	KindBookRatingChanged MessageKind = "BookRatingChangedEvent"
)

// Inbound сообщает, принимает ли ядро сообщение такого типа.
func (k MessageKind) Inbound() bool {
	switch k {
	case KindPlaceOrder, KindFulfillmentAccepted, KindCompleteOrder, KindCancelOrder,
		KindBasketCheckoutFailed, KindFeedbackCreated, KindFeedbackDeleted:
		return true
	default:
		return false
	}
}

// Feedback сообщает, что сообщение относится к рейтингам, а не к саге заказа.
func (k MessageKind) Feedback() bool {
	return k == KindFeedbackCreated || k == KindFeedbackDeleted
}

// Known проверяет, что тип входит в перечень входящих или исходящих.
func (k MessageKind) Known() bool {
	if k.Inbound() {
		return true
	}
	switch k {
	case KindOrderPlaced, KindBasketDeletedComplete, KindReserveFunds, KindCompleteOrderNotification,
		KindCancelOrderNotification, KindDeleteOrder, KindCompensationFailedAlert, KindBookRatingChanged:
		return true
	default:
		return false
	}
}

// Envelope: общий конверт любой команды и события.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Kind           MessageKind     `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope собирает конверт со свежим MessageID. Пустой ключ выводится из содержимого.
func NewEnvelope(kind MessageKind, correlationID, idempotencyKey string, payload any, clock Clock) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if clock == nil {
		clock = SystemClock()
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key, err = DeriveIdempotencyKey(kind, correlationID, raw)
		if err != nil {
			return Envelope{}, err
		}
	}
	env := Envelope{
		MessageID:      uuid.NewString(),
		CorrelationID:  strings.TrimSpace(correlationID),
		IdempotencyKey: key,
		OccurredAt:     clock.Now().UTC(),
		Kind:           kind,
		Payload:        raw,
	}
	return env, env.Validate()
}

// Caused строит следующее сообщение цепочки с CausationID = MessageID текущего.
func (e Envelope) Caused(kind MessageKind, correlationID, idempotencyKey string, payload any, clock Clock) (Envelope, error) {
	next, err := NewEnvelope(kind, correlationID, idempotencyKey, payload, clock)
	if err != nil {
		return Envelope{}, err
	}
	next.CausationID = e.MessageID
	return next, nil
}

// Validate проверяет обязательные поля конверта.
func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.MessageID) == "":
		return fmt.Errorf("%w: message_id is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.CorrelationID) == "":
		return fmt.Errorf("%w: correlation_id is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.IdempotencyKey) == "":
		return ErrIdempotencyKeyRequired
	case !e.Kind.Known():
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, e.Kind)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is empty", ErrInvalidPayload)
	}
	return nil
}

// RequestHash: отпечаток типа и содержимого, хранится рядом с ключом идемпотентности.
func (e Envelope) RequestHash() (string, error) {
	canonical, err := canonicalJSON(e.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(e.Kind))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// DecodePayload разбирает полезную нагрузку в dst.
func (e Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Kind, err)
	}
	return nil
}

// Encode сериализует конверт для транспорта и outbox.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope разбирает конверт из байтов транспорта.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// DeriveIdempotencyKey выводит ключ из типа, correlation id и канонического содержимого.
// Одинаковые повторы дают одинаковый ключ.
func DeriveIdempotencyKey(kind MessageKind, correlationID string, payload []byte) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(kind))
	sum.Write([]byte{0})
	sum.Write([]byte(strings.TrimSpace(correlationID)))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return string(kind) + ":" + hex.EncodeToString(sum.Sum(nil)), nil
}

// AcceptanceOf переводит опубликованный OrderPlacedEvent во внутреннее событие
// FulfillmentAcceptedEvent. Ключ выводится из заказа, поэтому повторная доставка
// OrderPlaced не продвигает сагу дважды.
func AcceptanceOf(placed Envelope, clock Clock) (Envelope, error) {
	if placed.Kind != KindOrderPlaced {
		return Envelope{}, fmt.Errorf("%w: expected %s, got %s", ErrUnknownMessageKind, KindOrderPlaced, placed.Kind)
	}
	var order PlaceOrderPayload
	if err := placed.DecodePayload(&order); err != nil {
		return Envelope{}, err
	}
	ref := OrderRefPayload{OrderID: order.OrderID}
	return placed.Caused(KindFulfillmentAccepted, order.OrderID, "fulfillment-accepted:"+order.OrderID, ref, clock)
}

// canonicalJSON нормализует JSON: ключи объектов сортируются encoding/json.
// Числа сохраняются литералами, чтобы суммы больше 2^53 не округлялись.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

// Clock: источник UTC-времени.
type Clock interface {
	Now() time.Time
}

// ClockFunc адаптирует функцию к Clock.
type ClockFunc func() time.Time

// Now реализует Clock.
func (f ClockFunc) Now() time.Time { return f() }

type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

var systemClock = &monotonicClock{}

// SystemClock возвращает UTC-часы, не уходящие назад в пределах процесса.
func SystemClock() Clock { return systemClock }

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
