package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// OutboxPublisher публикует записи outbox: топик = назначение, ключ = correlation id,
// поэтому сообщения одного заказа попадают в одну партицию и сохраняют порядок.
type OutboxPublisher struct {
	producer *Producer
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer) *OutboxPublisher {
	return &OutboxPublisher{producer: producer}
}

// Publish ждёт подтверждения брокера не дольше дедлайна ctx.
func (p *OutboxPublisher) Publish(ctx context.Context, entry domain.OutboxEntry) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: string(entry.Destination),
		Key:   sarama.StringEncoder(entry.CorrelationID),
		Value: sarama.ByteEncoder(entry.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(entry.MessageID)},
			{Key: []byte(HeaderMessageKind), Value: []byte(entry.Kind)},
		},
		Timestamp: entry.CreatedAt,
	}
	if err := p.producer.SendContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
