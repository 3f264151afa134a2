package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = 200 * time.Millisecond
	defaultMaxRetryDelay = 5 * time.Second
)

var errIgnored = errors.New("message ignored")

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ordersaga_consumer_messages_total",
	Help: "Inbound Kafka messages by topic and transport disposition.",
}, []string{"topic", "disposition"})

// Handler обрабатывает разобранный конверт и возвращает классифицированный исход.
type Handler interface {
	Handle(ctx context.Context, env domain.Envelope) (domain.ResultKind, error)
}

// HandlerFunc: адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, env domain.Envelope) (domain.ResultKind, error)

// Handle вызывает f(ctx, env).
func (f HandlerFunc) Handle(ctx context.Context, env domain.Envelope) (domain.ResultKind, error) {
	return f(ctx, env)
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterProducer задаёт producer для DLQ.
func WithDeadLetterProducer(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.producer = producer }
}

// WithMaxRetries ограничивает число повторов сообщения до отправки в DLQ.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff задаёт начальную и предельную паузу между повторами.
func WithRetryBackoff(delay, maxDelay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay >= 0 {
			c.retryDelay = delay
		}
		if maxDelay >= 0 {
			c.maxRetryDelay = maxDelay
		}
	}
}

// WithConsumerClock подменяет часы для перевода OrderPlaced в FulfillmentAccepted.
func WithConsumerClock(clock domain.Clock) ConsumerOption {
	return func(c *Consumer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithConsumerLogger задаёт логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает команды и события саги из consumer group и применяет
// политику транспорта по исходу: Ack, Retry, DeadLetter или Alert.
type Consumer struct {
	consumer      sarama.ConsumerGroup
	topics        []string
	handler       Handler
	producer      *Producer
	clock         domain.Clock
	logger        *log.Entry
	wg            sync.WaitGroup
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// NewConsumerConfig возвращает настройки consumer group.
func NewConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer создаёт consumer group на брокерах.
func NewConsumer(brokers []string, groupID string, topics []string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return NewConsumerFromGroup(group, topics, handler, opts...), nil
}

// NewConsumerFromGroup оборачивает готовую consumer group.
func NewConsumerFromGroup(group sarama.ConsumerGroup, topics []string, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:      group,
		topics:        topics,
		handler:       handler,
		clock:         domain.SystemClock(),
		logger:        log.WithField("component", "kafka-consumer"),
		maxRetries:    defaultMaxRetries,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения партиции строго по одному: следующее сообщение
// не читается, пока текущее не подтверждено. Если сообщение не удалось ни обработать,
// ни переложить в DLQ, сессия завершается без MarkMessage, и следующая сессия
// начнёт доставку с него же.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.handleMessage(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message left unacknowledged")
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage возвращает nil, когда сообщение можно подтвердить.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	logger := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	env, err := domain.DecodeEnvelope(message.Value)
	if err == nil {
		env, err = c.translate(message.Topic, env)
	}
	if errors.Is(err, errIgnored) {
		logger.WithField("kind", env.Kind).Debug("сообщение не относится к саге, пропускаем")
		consumedMessages.WithLabelValues(message.Topic, "ignored").Inc()
		return nil
	}
	if err != nil {
		return c.deadLetter(message, domain.ResultInvalidMessage, err, 0)
	}

	kind, retries, handleErr := c.handleWithRetry(ctx, env)
	disposition := kind.Disposition()
	if disposition == domain.DispositionRetry && ctx.Err() != nil {
		return fmt.Errorf("retry interrupted after %d attempts: %w", retries, handleErr)
	}
	consumedMessages.WithLabelValues(message.Topic, string(disposition)).Inc()

	logger = logger.WithFields(log.Fields{
		"correlation_id": env.CorrelationID,
		"kind":           env.Kind,
		"result":         kind,
	})

	switch disposition {
	case domain.DispositionAck:
		return nil
	case domain.DispositionAlert:
		logger.WithError(handleErr).Error("требуется вмешательство оператора")
		return nil
	case domain.DispositionRetry:
		if c.producer == nil {
			return fmt.Errorf("retries exhausted without DLQ producer: %w", handleErr)
		}
		return c.deadLetter(message, kind, fmt.Errorf("retries exhausted after %d attempts: %w", retries, handleErr), retries)
	default:
		return c.deadLetter(message, kind, handleErr, retries)
	}
}

// translate переводит OrderPlacedEvent из ordering.events во внутреннее
// FulfillmentAcceptedEvent; остальные события этого топика саге не адресованы.
func (c *Consumer) translate(topic string, env domain.Envelope) (domain.Envelope, error) {
	if env.Kind == domain.KindOrderPlaced {
		return domain.AcceptanceOf(env, c.clock)
	}
	if topic == TopicOrderingEvents {
		return env, errIgnored
	}
	return env, nil
}

// handleWithRetry повторяет обработку на месте, пока исход требует повтора. Сообщение
// остаётся головой партиции, поэтому более поздние сообщения того же заказа ждут.
func (c *Consumer) handleWithRetry(ctx context.Context, env domain.Envelope) (domain.ResultKind, int, error) {
	kind, err := c.handler.Handle(ctx, env)
	delay := c.retryDelay
	attempt := 0
	for ; attempt < c.maxRetries && kind.Retryable(); attempt++ {
		c.logger.WithError(err).WithFields(log.Fields{
			"correlation_id": env.CorrelationID,
			"attempt":        attempt + 1,
			"max_retries":    c.maxRetries,
		}).Warn("message processing failed, will retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return kind, attempt, err
		case <-timer.C:
		}
		delay = min(delay*2, c.maxRetryDelay)
		kind, err = c.handler.Handle(ctx, env)
	}
	return kind, attempt, err
}

// deadLetter отправляет сообщение в DLQ. Без producer сообщение только логируется.
func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, kind domain.ResultKind, cause error, retries int) error {
	record := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Result:            string(kind),
		FailedAt:          c.clock.Now().UTC(),
		RetryCount:        retryCount(message) + retries,
	}
	if cause != nil {
		record.ErrorMessage = cause.Error()
	}

	logger := c.logger.WithError(cause).WithFields(log.Fields{
		"topic":  message.Topic,
		"offset": message.Offset,
		"result": kind,
	})
	if c.producer == nil {
		logger.Error("DLQ не настроена, сообщение отброшено")
		return nil
	}
	if err := c.producer.PublishJSON(TopicDeadLetterQueue, string(message.Key), record); err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	logger.Warn("message sent to DLQ")
	return nil
}
