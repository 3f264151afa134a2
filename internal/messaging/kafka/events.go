package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// Topics для Kafka
const (
	TopicFulfillmentCommands = "fulfillment.commands"
	TopicOrderingEvents      = string(domain.DestinationOrderingEvents)
	TopicDeadLetterQueue     = "fulfillment.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderMessageKind   = "x-message-kind"
	HeaderMessageID     = "x-message-id"
)

// DeadLetter: запись в DLQ: исходное сообщение и причина, по которой его не обработали.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Result            string    `json:"result,omitempty"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParseDeadLetter разбирает запись DLQ.
func ParseDeadLetter(message *sarama.ConsumerMessage) (DeadLetter, error) {
	var record DeadLetter
	if err := json.Unmarshal(message.Value, &record); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if record.OriginalTopic == "" {
		return DeadLetter{}, fmt.Errorf("dead letter at offset %d has no original topic", message.Offset)
	}
	return record, nil
}

// ReplayMessage возвращает исходное сообщение в его топик со сброшенным счётчиком повторов.
func (d DeadLetter) ReplayMessage() *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: d.OriginalTopic,
		Key:   sarama.StringEncoder(d.OriginalKey),
		Value: sarama.ByteEncoder(d.OriginalValue),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderRetryCount), Value: []byte("0")},
		},
	}
}

func headerValue(headers []*sarama.RecordHeader, key string) (string, bool) {
	for _, header := range headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value), true
		}
	}
	return "", false
}

// retryCount извлекает retry count из headers сообщения.
func retryCount(message *sarama.ConsumerMessage) int {
	raw, ok := headerValue(message.Headers, HeaderRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0
	}
	return count
}
