package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/outbox"
)

// Orchestrator описывает интерфейс управления сагой.
type Orchestrator interface {
	// Handle обрабатывает входящее сообщение ровно один раз по его idempotency-key.
	Handle(ctx context.Context, env domain.Envelope) Result
	// Get возвращает текущее состояние саги заказа.
	Get(ctx context.Context, orderID string) (domain.SagaState, error)
}

// Result: итог обработки сообщения для транспорта.
type Result struct {
	Kind     domain.ResultKind
	Outcome  domain.Outcome
	Replayed bool
	Err      error
}

// Disposition подсказывает транспорту, что делать с сообщением.
func (r Result) Disposition() domain.Disposition {
	return r.Kind.Disposition()
}

// Options параметры оркестратора.
type Options struct {
	Logger            *log.Entry
	Metrics           *metrics.SagaMetrics
	Clock             domain.Clock
	Locker            domain.Locker
	Compensator       domain.Compensator
	ConflictRetry     RetryConfig
	CompensationRetry RetryConfig
	Breaker           *CircuitBreaker
}

// Option настраивает оркестратор.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики; nil отключает их.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock подменяет часы.
func WithClock(clock domain.Clock) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithLocker задаёт блокировку по correlation id (по умолчанию KeyedMutex).
func WithLocker(locker domain.Locker) Option {
	return func(o *Options) { o.Locker = locker }
}

// WithCompensator задаёт синхронные компенсации.
func WithCompensator(c domain.Compensator) Option {
	return func(o *Options) { o.Compensator = c }
}

// WithConflictRetry задаёт повторы при конфликте версий.
func WithConflictRetry(cfg RetryConfig) Option {
	return func(o *Options) { o.ConflictRetry = cfg }
}

// WithCompensationRetry задаёт повторы компенсирующих вызовов.
func WithCompensationRetry(cfg RetryConfig) Option {
	return func(o *Options) { o.CompensationRetry = cfg }
}

// WithCircuitBreaker задаёт circuit breaker для компенсаций.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(o *Options) { o.Breaker = cb }
}

type orchestrator struct {
	sagas         domain.SagaRepository
	keys          *idempotency.Store
	dispatcher    *outbox.Dispatcher
	locker        domain.Locker
	compensator   *compensator
	conflictRetry RetryConfig
	clock         domain.Clock
	logger        *log.Entry
	metrics       *metrics.SagaMetrics
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	sagas domain.SagaRepository,
	keys *idempotency.Store,
	dispatcher *outbox.Dispatcher,
	options ...Option,
) Orchestrator {
	opts := Options{
		ConflictRetry:     DefaultConflictRetryConfig(),
		CompensationRetry: DefaultRetryConfig(),
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "saga")
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(5, 30*time.Second, logger.WithField("component", "compensation-breaker"))
	}

	o := &orchestrator{
		sagas:         sagas,
		keys:          keys,
		dispatcher:    dispatcher,
		locker:        opts.Locker,
		conflictRetry: opts.ConflictRetry.normalized(),
		clock:         opts.Clock,
		logger:        logger,
		metrics:       opts.Metrics,
	}
	if opts.Compensator != nil {
		o.compensator = &compensator{
			target:  opts.Compensator,
			retry:   opts.CompensationRetry,
			breaker: opts.Breaker,
			logger:  logger,
		}
	}
	return o
}

func (o *orchestrator) Get(ctx context.Context, orderID string) (domain.SagaState, error) {
	return o.sagas.Get(ctx, orderID)
}

func (o *orchestrator) Handle(ctx context.Context, env domain.Envelope) Result {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordHandleStarted()
	}

	res := o.handle(ctx, env)

	if o.metrics != nil {
		o.metrics.RecordHandleFinished(string(env.Kind), time.Since(start))
		o.metrics.RecordResult(string(env.Kind), string(res.Kind))
	}
	o.logResult(env, res)
	return res
}

func (o *orchestrator) handle(ctx context.Context, env domain.Envelope) Result {
	if err := env.Validate(); err != nil {
		return failed(env, err)
	}
	if !env.Kind.Inbound() {
		return failed(env, fmt.Errorf("%w: %s is outbound only", domain.ErrUnknownMessageKind, env.Kind))
	}
	msg, err := decodeMessage(env)
	if err != nil {
		return failed(env, err)
	}

	unlock, err := o.locker.Lock(ctx, env.CorrelationID)
	if err != nil {
		return failed(env, err)
	}
	defer unlock()

	claim, err := o.keys.TryBegin(ctx, env)
	if err != nil {
		return failed(env, err)
	}
	switch claim.State {
	case idempotency.ClaimCompleted:
		return Result{Kind: domain.ResultDuplicateDelivery, Outcome: claim.Outcome, Replayed: true}
	case idempotency.ClaimInProgress:
		return failed(env, fmt.Errorf("%w: %s", domain.ErrIdempotencyInProgress, env.IdempotencyKey))
	}

	// Ключ захвачен: переход доводится до конца даже при отмене вызывающего.
	ctx = context.WithoutCancel(ctx)

	res, committed := o.process(ctx, msg)
	switch {
	case committed:
	case res.Kind.Retryable():
		_ = o.keys.Abandon(ctx, env.IdempotencyKey)
	case errors.Is(res.Err, domain.ErrIdempotencyOutcomeConflict):
		// Исход уже записан другим обработчиком; Store.Complete не вызываем повторно.
	default:
		if err := o.keys.Complete(ctx, env.IdempotencyKey, res.Outcome); err != nil {
			o.logger.WithError(err).WithField("idempotency_key", env.IdempotencyKey).Warn("failed to record outcome")
			if !errors.Is(err, domain.ErrIdempotencyOutcomeConflict) {
				_ = o.keys.Abandon(ctx, env.IdempotencyKey)
			}
		}
	}
	return res
}

// process повторяет расчёт перехода при конфликте версий. committed означает,
// что исход записан атомарно вместе с состоянием.
func (o *orchestrator) process(ctx context.Context, msg message) (Result, bool) {
	for attempt := 1; ; attempt++ {
		res, err := o.attempt(ctx, msg)
		if err == nil {
			return res, true
		}
		if !domain.IsVersionConflict(err) && !errors.Is(err, domain.ErrSagaAlreadyExists) {
			return res, false
		}
		if attempt >= o.conflictRetry.MaxAttempts {
			return failed(msg.env, fmt.Errorf("%w: gave up after %d attempts: %v",
				domain.ErrSagaVersionConflict, attempt, err)), false
		}
		if o.metrics != nil {
			o.metrics.RecordConflictRetry()
		}
		o.logger.WithFields(log.Fields{
			"order_id": msg.env.CorrelationID,
			"kind":     msg.env.Kind,
			"attempt":  attempt,
		}).Warn("saga version conflict, recomputing transition")
		_ = sleepContext(ctx, o.conflictRetry.Delay(attempt))
	}
}

// attempt выполняет один цикл: чтение состояния, расчёт, атомарный коммит.
// Ненулевая ошибка означает, что исход ключа не записан.
func (o *orchestrator) attempt(ctx context.Context, msg message) (Result, error) {
	now := o.clock.Now()

	if msg.env.Kind.Feedback() {
		return o.forwardRating(ctx, msg, now)
	}

	var current *domain.SagaState
	loaded, err := o.sagas.Get(ctx, msg.env.CorrelationID)
	switch {
	case err == nil:
		current = &loaded
	case !domain.IsNotFound(err):
		return failed(msg.env, fmt.Errorf("%w: load saga: %w", domain.ErrTransportUnavailable, err)), err
	}

	d, err := apply(current, msg, now, o.clock)
	if err != nil {
		res := failed(msg.env, err)
		if current != nil {
			res.Outcome.Stage = current.Stage
			res.Outcome.Version = current.Version
		}
		return res, err
	}

	if d.transition.Compensate && o.compensator != nil {
		return o.compensate(ctx, msg, *current, now)
	}
	return o.settle(ctx, msg, current, d, now, nil)
}

// compensate сначала фиксирует Compensating (проигравший гонку версий ничего не снимает),
// затем снимает резерв и завершает сагу в Cancelled или CompensationFailed.
func (o *orchestrator) compensate(ctx context.Context, msg message, current domain.SagaState, now time.Time) (Result, error) {
	if current.Stage != domain.SagaStageCompensating {
		pending := compensationStart(current, msg, now)
		commit := domain.SagaCommit{State: &pending, ExpectedVersion: current.Version, CommittedAt: now}
		if err := o.sagas.Commit(ctx, commit); err != nil {
			return failed(msg.env, err), err
		}
		if o.metrics != nil {
			o.metrics.RecordTransition(string(current.Stage), string(pending.Stage))
		}
		pending.Version = current.Version + 1
		current = pending
	}

	cerr := o.compensator.releaseFunds(ctx, current, compensationKey(current.OrderID))
	if cerr != nil && !errors.Is(cerr, domain.ErrCompensationFailed) {
		// Сага остаётся в Compensating; повторная доставка продолжит с этого места.
		return failed(msg.env, cerr), cerr
	}
	o.recordCompensation(cerr)

	var (
		d   decision
		err error
	)
	if cerr != nil {
		d, err = compensationFailure(current, msg, cerr, now, o.clock)
	} else {
		d, err = apply(&current, msg, now, o.clock)
	}
	if err != nil {
		return failed(msg.env, err), err
	}
	return o.settle(ctx, msg, &current, d, now, cerr)
}

// settle атомарно пишет новое состояние, исход ключа и исходящие сообщения.
func (o *orchestrator) settle(ctx context.Context, msg message, current *domain.SagaState, d decision, now time.Time, compensationErr error) (Result, error) {
	expected := int64(0)
	if current != nil {
		expected = current.Version
	}
	outcome := domain.Outcome{
		Kind:          d.transition.Result,
		CorrelationID: msg.env.CorrelationID,
		Stage:         d.next.Stage,
		Version:       expected + 1,
		Detail:        d.detail,
	}

	next := d.next
	if err := o.commit(ctx, msg, &next, expected, outcome, d.outbound, now); err != nil {
		return failed(msg.env, err), err
	}

	if o.metrics != nil {
		from := domain.SagaStageNone
		if current != nil {
			from = current.Stage
		}
		o.metrics.RecordTransition(string(from), string(next.Stage))
	}
	if compensationErr != nil {
		o.logger.WithError(compensationErr).WithFields(log.Fields{
			"order_id": next.OrderID,
			"stage":    next.Stage,
		}).Error("компенсация не удалась, заказ требует ручного разбора")
	}
	return Result{Kind: outcome.Kind, Outcome: outcome, Err: compensationErr}, nil
}

func (o *orchestrator) forwardRating(ctx context.Context, msg message, now time.Time) (Result, error) {
	entry, err := ratingChange(msg, o.clock)
	if err != nil {
		return failed(msg.env, err), err
	}
	outcome := domain.Outcome{
		Kind:          domain.ResultApplied,
		CorrelationID: msg.env.CorrelationID,
		Detail:        fmt.Sprintf("rating forwarded for book %s", msg.feedback.BookID),
	}
	if err := o.commit(ctx, msg, nil, 0, outcome, []domain.OutboxEntry{entry}, now); err != nil {
		return failed(msg.env, err), err
	}
	return Result{Kind: outcome.Kind, Outcome: outcome}, nil
}

func (o *orchestrator) commit(
	ctx context.Context,
	msg message,
	state *domain.SagaState,
	expected int64,
	outcome domain.Outcome,
	entries []domain.OutboxEntry,
	now time.Time,
) error {
	raw, err := outcome.Encode()
	if err != nil {
		return err
	}
	commit := domain.SagaCommit{
		State:           state,
		ExpectedVersion: expected,
		IdempotencyKey:  msg.env.IdempotencyKey,
		Outcome:         raw,
		CommittedAt:     now,
	}
	if err := o.dispatcher.Enqueue(&commit, entries...); err != nil {
		return err
	}
	if err := o.sagas.Commit(ctx, commit); err != nil {
		if errors.Is(err, domain.ErrIdempotencyOutcomeConflict) {
			o.logger.WithError(err).WithFields(log.Fields{
				"order_id":        msg.env.CorrelationID,
				"idempotency_key": msg.env.IdempotencyKey,
			}).Error("conflicting outcome for completed idempotency key")
		}
		return err
	}
	return nil
}

func (o *orchestrator) recordCompensation(err error) {
	if o.metrics == nil {
		return
	}
	if err != nil {
		o.metrics.RecordCompensation("failed")
		return
	}
	o.metrics.RecordCompensation("succeeded")
}

func (o *orchestrator) logResult(env domain.Envelope, res Result) {
	entry := o.logger.WithFields(log.Fields{
		"order_id":        env.CorrelationID,
		"kind":            env.Kind,
		"message_id":      env.MessageID,
		"idempotency_key": env.IdempotencyKey,
		"result":          res.Kind,
	})
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	switch res.Kind {
	case domain.ResultApplied, domain.ResultDuplicateDelivery:
		entry.Debug("message handled")
	case domain.ResultInvalidTransition:
		entry.Info("message does not apply to current saga stage")
	case domain.ResultConcurrencyConflict, domain.ResultTransportUnavailable:
		entry.Warn("message will be retried")
	default:
		entry.Error("message rejected")
	}
}

func failed(env domain.Envelope, err error) Result {
	kind := domain.Classify(err)
	return Result{
		Kind: kind,
		Outcome: domain.Outcome{
			Kind:          kind,
			CorrelationID: env.CorrelationID,
			Detail:        err.Error(),
		},
		Err: err,
	}
}

var _ Orchestrator = (*orchestrator)(nil)
