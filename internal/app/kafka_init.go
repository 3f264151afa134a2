package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
)

// initKafkaProducer создаёт Kafka producer; пустой список брокеров даёт nil, nil.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Error("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// processor: то, через что consumer передаёт сообщения в сагу (saga.Pool).
type processor interface {
	Process(ctx context.Context, env domain.Envelope) saga.Result
}

// consumerHandler адаптирует пул саги к kafka.Handler.
func consumerHandler(p processor) kafka.Handler {
	return kafka.HandlerFunc(func(ctx context.Context, env domain.Envelope) (domain.ResultKind, error) {
		res := p.Process(ctx, env)
		return res.Kind, res.Err
	})
}

// newKafkaConsumer подписывается на команды исполнения и события заказов.
func newKafkaConsumer(cfg Config, p processor, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	topics := []string{kafka.TopicFulfillmentCommands, kafka.TopicOrderingEvents}
	return kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, topics, consumerHandler(p),
		kafka.WithDeadLetterProducer(producer),
		kafka.WithMaxRetries(cfg.KafkaMaxRetries),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
	)
}
