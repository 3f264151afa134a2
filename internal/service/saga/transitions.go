package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// eventCompensationFailed: внутреннее событие: компенсация не удалась после всех попыток.
// В транспорт не попадает.
const eventCompensationFailed domain.MessageKind = "SagaCompensationFailed"

// Effect: исходящее сообщение перехода.
type Effect struct {
	Kind        domain.MessageKind
	Destination domain.Destination
}

// Transition: строка таблицы переходов саги.
type Transition struct {
	From       domain.SagaStage
	Message    domain.MessageKind
	To         domain.SagaStage
	Compensate bool
	Effects    []Effect
	Result     domain.ResultKind
}

var (
	effectOrderPlaced       = Effect{Kind: domain.KindOrderPlaced, Destination: domain.DestinationOrderingEvents}
	effectReserveFunds      = Effect{Kind: domain.KindReserveFunds, Destination: domain.DestinationFinanceCommands}
	effectBasketDeleted     = Effect{Kind: domain.KindBasketDeletedComplete, Destination: domain.DestinationBasketEvents}
	effectCompleteNotify    = Effect{Kind: domain.KindCompleteOrderNotification, Destination: domain.DestinationNotifications}
	effectDeleteOrder       = Effect{Kind: domain.KindDeleteOrder, Destination: domain.DestinationOrderingCommands}
	effectCancelNotify      = Effect{Kind: domain.KindCancelOrderNotification, Destination: domain.DestinationNotifications}
	effectCompensationAlert = Effect{Kind: domain.KindCompensationFailedAlert, Destination: domain.DestinationOperationsAlerts}
	effectBookRatingChanged = Effect{Kind: domain.KindBookRatingChanged, Destination: domain.DestinationCatalogEvents}
	cancelEffects           = []Effect{effectDeleteOrder, effectCancelNotify}
)

var transitionTable = []Transition{
	{From: domain.SagaStageNone, Message: domain.KindPlaceOrder, To: domain.SagaStageSubmitted,
		Effects: []Effect{effectOrderPlaced}, Result: domain.ResultApplied},
	{From: domain.SagaStageSubmitted, Message: domain.KindFulfillmentAccepted, To: domain.SagaStageAwaitingFulfillment,
		Effects: []Effect{effectReserveFunds, effectBasketDeleted}, Result: domain.ResultApplied},
	{From: domain.SagaStageAwaitingFulfillment, Message: domain.KindCompleteOrder, To: domain.SagaStageCompleted,
		Effects: []Effect{effectCompleteNotify}, Result: domain.ResultApplied},
	{From: domain.SagaStageSubmitted, Message: domain.KindCancelOrder, To: domain.SagaStageCancelled,
		Effects: cancelEffects, Result: domain.ResultApplied},
	{From: domain.SagaStageSubmitted, Message: domain.KindBasketCheckoutFailed, To: domain.SagaStageCancelled,
		Effects: cancelEffects, Result: domain.ResultApplied},
	{From: domain.SagaStageAwaitingFulfillment, Message: domain.KindCancelOrder, To: domain.SagaStageCancelled,
		Compensate: true, Effects: cancelEffects, Result: domain.ResultApplied},
	{From: domain.SagaStageAwaitingFulfillment, Message: domain.KindBasketCheckoutFailed, To: domain.SagaStageCancelled,
		Compensate: true, Effects: cancelEffects, Result: domain.ResultApplied},
	// Повторная доставка отмены, прерванной после перехода в Compensating, доводит компенсацию.
	{From: domain.SagaStageCompensating, Message: domain.KindCancelOrder, To: domain.SagaStageCancelled,
		Compensate: true, Effects: cancelEffects, Result: domain.ResultApplied},
	{From: domain.SagaStageCompensating, Message: domain.KindBasketCheckoutFailed, To: domain.SagaStageCancelled,
		Compensate: true, Effects: cancelEffects, Result: domain.ResultApplied},
	{From: domain.SagaStageCompensating, Message: eventCompensationFailed, To: domain.SagaStageCompensationFailed,
		Effects: []Effect{effectCompensationAlert}, Result: domain.ResultCompensationFailure},
}

// Transitions возвращает копию таблицы переходов.
func Transitions() []Transition {
	out := make([]Transition, len(transitionTable))
	for i, tr := range transitionTable {
		tr.Effects = append([]Effect(nil), tr.Effects...)
		out[i] = tr
	}
	return out
}

func lookupTransition(from domain.SagaStage, message domain.MessageKind) (Transition, bool) {
	for _, tr := range transitionTable {
		if tr.From == from && tr.Message == message {
			return tr, true
		}
	}
	return Transition{}, false
}

// message: разобранная полезная нагрузка входящего сообщения.
type message struct {
	env      domain.Envelope
	order    domain.PlaceOrderPayload
	ref      domain.OrderRefPayload
	feedback domain.FeedbackPayload
}

// decodeMessage проверяет полезную нагрузку до захвата ключа: результат не зависит от состояния.
func decodeMessage(env domain.Envelope) (message, error) {
	msg := message{env: env}
	switch env.Kind {
	case domain.KindPlaceOrder:
		if err := env.DecodePayload(&msg.order); err != nil {
			return message{}, err
		}
		if err := msg.order.Validate(); err != nil {
			return message{}, err
		}
		if strings.TrimSpace(msg.order.OrderID) != env.CorrelationID {
			return message{}, fmt.Errorf("%w: order_id %q does not match correlation_id %q",
				domain.ErrInvalidPayload, msg.order.OrderID, env.CorrelationID)
		}
	case domain.KindFulfillmentAccepted, domain.KindCompleteOrder, domain.KindCancelOrder, domain.KindBasketCheckoutFailed:
		if err := env.DecodePayload(&msg.ref); err != nil {
			return message{}, err
		}
		if err := msg.ref.Validate(); err != nil {
			return message{}, err
		}
		if strings.TrimSpace(msg.ref.OrderID) != env.CorrelationID {
			return message{}, fmt.Errorf("%w: order_id %q does not match correlation_id %q",
				domain.ErrInvalidPayload, msg.ref.OrderID, env.CorrelationID)
		}
	case domain.KindFeedbackCreated, domain.KindFeedbackDeleted:
		if err := env.DecodePayload(&msg.feedback); err != nil {
			return message{}, err
		}
		if err := msg.feedback.Validate(); err != nil {
			return message{}, err
		}
	default:
		return message{}, fmt.Errorf("%w: %q is not accepted by the saga", domain.ErrUnknownMessageKind, env.Kind)
	}
	return msg, nil
}

// decision: вычисленный переход: новое состояние и исходящие конверты.
type decision struct {
	transition Transition
	next       domain.SagaState
	outbound   []domain.OutboxEntry
	detail     string
}

// apply вычисляет переход для текущего состояния. current == nil означает, что саги ещё нет.
// Функция чистая: ничего не пишет и не вызывает внешних систем.
func apply(current *domain.SagaState, msg message, now time.Time, clock domain.Clock) (decision, error) {
	from := domain.SagaStageNone
	if current != nil {
		from = current.Stage
	}
	kind := msg.env.Kind

	tr, ok := lookupTransition(from, kind)
	if !ok {
		if current == nil {
			return decision{}, fmt.Errorf("%w: %s for order %s", domain.ErrSagaNotFound, kind, msg.env.CorrelationID)
		}
		return decision{}, fmt.Errorf("%w: %s in stage %s", domain.ErrInvalidSagaTransition, kind, from)
	}

	var next domain.SagaState
	if current == nil {
		next = domain.SagaState{
			OrderID:       strings.TrimSpace(msg.order.OrderID),
			BasketID:      strings.TrimSpace(msg.order.BasketID),
			BuyerEmail:    strings.TrimSpace(msg.order.BuyerEmail),
			BuyerFullName: strings.TrimSpace(msg.order.BuyerFullName),
			Total:         msg.order.Total,
			CreatedAt:     now,
		}
	} else {
		next = *current
	}
	next.Stage = tr.To
	next.UpdatedAt = now

	switch tr.To {
	case domain.SagaStageCancelled:
		// Причина, записанная при входе в Compensating, не перезаписывается.
		if from != domain.SagaStageCompensating || next.CancelReason == "" {
			next.CancelReason = msg.ref.Reason
			if next.CancelReason == "" {
				next.CancelReason = defaultCancelReason(kind)
			}
		}
	case domain.SagaStageCompensationFailed:
		next.FailureReason = msg.ref.Reason
	}

	d := decision{transition: tr, next: next, detail: fmt.Sprintf("%s -> %s", stageLabel(from), tr.To)}
	version := next.Version + 1
	for _, effect := range tr.Effects {
		entry, err := outboundEntry(msg.env, effect, next, version, clock)
		if err != nil {
			return decision{}, err
		}
		d.outbound = append(d.outbound, entry)
	}
	return d, nil
}

// compensationStart строит промежуточный переход в Compensating: без исходящих сообщений,
// фиксируется до вызова внешней компенсации.
func compensationStart(current domain.SagaState, msg message, now time.Time) domain.SagaState {
	next := current
	next.Stage = domain.SagaStageCompensating
	next.UpdatedAt = now
	next.CancelReason = msg.ref.Reason
	if next.CancelReason == "" {
		next.CancelReason = defaultCancelReason(msg.env.Kind)
	}
	return next
}

// compensationKey один на заказ: повторный вызов после сбоя не снимает резерв дважды.
func compensationKey(orderID string) string {
	return "release-funds:" + orderID
}

// compensationFailure строит переход в CompensationFailed вместо отмены.
func compensationFailure(current domain.SagaState, msg message, cause error, now time.Time, clock domain.Clock) (decision, error) {
	failed := msg
	failed.env.Kind = eventCompensationFailed
	failed.ref = domain.OrderRefPayload{OrderID: current.OrderID, Reason: cause.Error()}
	d, err := apply(&current, failed, now, clock)
	if err != nil {
		return decision{}, err
	}
	d.detail = cause.Error()
	return d, nil
}

func defaultCancelReason(kind domain.MessageKind) string {
	if kind == domain.KindBasketCheckoutFailed {
		return "basket checkout failed"
	}
	return "cancelled by request"
}

func stageLabel(stage domain.SagaStage) string {
	if stage == domain.SagaStageNone {
		return "none"
	}
	return string(stage)
}

// outboundKey детерминирован: повторный расчёт того же перехода даёт тот же ключ.
func outboundKey(kind domain.MessageKind, orderID string, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", kind, orderID, version)
}

func outboundEntry(cause domain.Envelope, effect Effect, state domain.SagaState, version int64, clock domain.Clock) (domain.OutboxEntry, error) {
	var payload any
	switch effect.Kind {
	case domain.KindOrderPlaced:
		payload = domain.PlaceOrderPayload{
			OrderID:       state.OrderID,
			BasketID:      state.BasketID,
			BuyerEmail:    state.BuyerEmail,
			BuyerFullName: state.BuyerFullName,
			Total:         state.Total,
		}
	case domain.KindReserveFunds:
		payload = domain.ReserveFundsPayload{OrderID: state.OrderID, Total: state.Total}
	case domain.KindBasketDeletedComplete:
		payload = domain.BasketDeletedPayload{OrderID: state.OrderID, BasketID: state.BasketID}
	case domain.KindCompleteOrderNotification, domain.KindCancelOrderNotification:
		payload = domain.NotificationPayload{
			OrderID:       state.OrderID,
			BuyerEmail:    state.BuyerEmail,
			BuyerFullName: state.BuyerFullName,
			Total:         state.Total,
			Reason:        state.CancelReason,
		}
	case domain.KindDeleteOrder:
		payload = domain.DeleteOrderPayload{OrderID: state.OrderID, Reason: state.CancelReason}
	case domain.KindCompensationFailedAlert:
		payload = domain.CompensationAlertPayload{OrderID: state.OrderID, Stage: state.Stage, Reason: state.FailureReason}
	default:
		return domain.OutboxEntry{}, fmt.Errorf("no payload builder for %s", effect.Kind)
	}

	env, err := cause.Caused(effect.Kind, state.OrderID, outboundKey(effect.Kind, state.OrderID, version), payload, clock)
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	return domain.OutboxEntryFor(effect.Destination, env)
}

// ratingChange переводит отзыв в изменение рейтинга книги.
func ratingChange(msg message, clock domain.Clock) (domain.OutboxEntry, error) {
	fb := msg.feedback
	change := domain.RatingChangedPayload{
		BookID:       fb.BookID,
		FeedbackID:   fb.FeedbackID,
		RatingDelta:  fb.Rating,
		ReviewsDelta: 1,
	}
	if msg.env.Kind == domain.KindFeedbackDeleted {
		change.RatingDelta = -fb.Rating
		change.ReviewsDelta = -1
	}
	key := fmt.Sprintf("%s:%s:%s", domain.KindBookRatingChanged, fb.FeedbackID, msg.env.Kind)
	env, err := msg.env.Caused(domain.KindBookRatingChanged, msg.env.CorrelationID, key, change, clock)
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	return domain.OutboxEntryFor(effectBookRatingChanged.Destination, env)
}
