// Package sqs публикует записи outbox в FIFO-очереди Amazon SQS.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// API: подмножество клиента SQS, которое нужно паблишеру.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config описывает подключение и раскладку очередей.
type Config struct {
	Region string
	// Endpoint переопределяет адрес SQS (localstack).
	Endpoint string
	// QueueURLPrefix + имя очереди назначения дают URL очереди.
	QueueURLPrefix string
	// QueueURLs явно задают URL для отдельных назначений.
	QueueURLs map[domain.Destination]string
}

// Publisher отправляет записи outbox в FIFO-очереди: MessageGroupId = correlation id
// сохраняет порядок внутри заказа, MessageDeduplicationId = message id гасит повторы.
type Publisher struct {
	client    API
	prefix    string
	overrides map[domain.Destination]string
	logger    *log.Entry
}

// NewClient загружает AWS-конфигурацию по умолчанию и создаёт клиент SQS.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = sdkaws.String(cfg.Endpoint)
		}
	}), nil
}

// NewPublisher создаёт паблишер поверх клиента.
func NewPublisher(client API, cfg Config, logger *log.Entry) *Publisher {
	if logger == nil {
		logger = log.WithField("component", "sqs-publisher")
	}
	return &Publisher{
		client:    client,
		prefix:    strings.TrimRight(cfg.QueueURLPrefix, "/"),
		overrides: cfg.QueueURLs,
		logger:    logger,
	}
}

// QueueName возвращает имя FIFO-очереди назначения: точки недопустимы в именах SQS.
func QueueName(destination domain.Destination) string {
	return strings.ReplaceAll(string(destination), ".", "-") + ".fifo"
}

// QueueURL возвращает URL очереди назначения.
func (p *Publisher) QueueURL(destination domain.Destination) (string, error) {
	if url, ok := p.overrides[destination]; ok && url != "" {
		return url, nil
	}
	if p.prefix == "" {
		return "", fmt.Errorf("no sqs queue configured for %s", destination)
	}
	return p.prefix + "/" + QueueName(destination), nil
}

func (p *Publisher) Publish(ctx context.Context, entry domain.OutboxEntry) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("sqs publisher is not initialized")
	}

	queueURL, err := p.QueueURL(entry.Destination)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               sdkaws.String(queueURL),
		MessageBody:            sdkaws.String(string(entry.Payload)),
		MessageGroupId:         sdkaws.String(entry.CorrelationID),
		MessageDeduplicationId: sdkaws.String(entry.MessageID),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    sdkaws.String("String"),
				StringValue: sdkaws.String(string(entry.Kind)),
			},
			"message_id": {
				DataType:    sdkaws.String("String"),
				StringValue: sdkaws.String(entry.MessageID),
			},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return classify(err, entry.MessageID)
	}

	p.logger.WithFields(log.Fields{
		"queue":          queueURL,
		"message_id":     entry.MessageID,
		"sqs_message_id": sdkaws.ToString(out.MessageId),
	}).Debug("message sent to sqs")
	return nil
}

// classify отделяет временные сбои (серверные ошибки, троттлинг, сеть) от отказов,
// которые повтор не исправит.
func classify(err error, messageID string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && !throttled(apiErr.ErrorCode()) {
		return fmt.Errorf("sqs rejected message %s (%s): %w", messageID, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%w: sqs send %s: %w", domain.ErrTransportUnavailable, messageID, err)
}

func throttled(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "RequestThrottled", "AWS.SimpleQueueService.RequestThrottled":
		return true
	default:
		return false
	}
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
