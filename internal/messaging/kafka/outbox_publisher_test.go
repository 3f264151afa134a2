package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func testEntry(id string) domain.OutboxEntry {
	return domain.OutboxEntry{
		MessageID:     id,
		CorrelationID: "order-123",
		Destination:   domain.DestinationFinanceCommands,
		Kind:          domain.KindReserveFunds,
		Payload:       []byte(`{"order_id":"order-123"}`),
	}
}

func TestOutboxPublisher_PublishRoutesByDestination(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != string(domain.DestinationFinanceCommands) {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "order-123" {
			return fmt.Errorf("unexpected key %s", key)
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "outbox-1" {
			return fmt.Errorf("unexpected headers %v", msg.Headers)
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test")))
	if err := publisher.Publish(context.Background(), testEntry("outbox-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, nil))
	err := publisher.Publish(context.Background(), testEntry("outbox-2"))
	if !errors.Is(err, domain.ErrTransportUnavailable) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_Guards(t *testing.T) {
	t.Parallel()

	if err := NewOutboxPublisher(nil).Publish(context.Background(), testEntry("outbox-3")); err == nil {
		t.Fatal("expected error for nil producer")
	}

	mockProducer := mocks.NewSyncProducer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewOutboxPublisher(NewProducerFromSync(mockProducer, nil)).Publish(ctx, testEntry("outbox-4")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

type stalledSyncProducer struct {
	*mocks.SyncProducer
	release chan struct{}
}

func (p *stalledSyncProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}

func TestOutboxPublisher_PublishHonoursDeadline(t *testing.T) {
	t.Parallel()

	stalled := &stalledSyncProducer{SyncProducer: mocks.NewSyncProducer(t, nil), release: make(chan struct{})}
	defer close(stalled.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewOutboxPublisher(NewProducerFromSync(stalled, nil)).Publish(ctx, testEntry("outbox-5"))
	if !errors.Is(err, domain.ErrTransportUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport error on deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish outlived its deadline: %s", elapsed)
	}
}
