package sqs

import (
	"context"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: sdkaws.String("sqs-1")}, nil
}

func testEntry() domain.OutboxEntry {
	return domain.OutboxEntry{
		MessageID:     "msg-1",
		CorrelationID: "order-1",
		Destination:   domain.DestinationNotifications,
		Kind:          domain.KindCompleteOrderNotification,
		Payload:       []byte(`{"order_id":"order-1"}`),
	}
}

func TestPublisher_SendsFIFOMessage(t *testing.T) {
	fake := &fakeSQS{}
	publisher := NewPublisher(fake, Config{QueueURLPrefix: "https://sqs.us-east-1.amazonaws.com/123456789012/"}, nil)

	require.NoError(t, publisher.Publish(context.Background(), testEntry()))
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	require.Equal(t, "https://sqs.us-east-1.amazonaws.com/123456789012/notification-commands.fifo", sdkaws.ToString(in.QueueUrl))
	require.Equal(t, "order-1", sdkaws.ToString(in.MessageGroupId))
	require.Equal(t, "msg-1", sdkaws.ToString(in.MessageDeduplicationId))
	require.JSONEq(t, `{"order_id":"order-1"}`, sdkaws.ToString(in.MessageBody))
	require.Equal(t, string(domain.KindCompleteOrderNotification), sdkaws.ToString(in.MessageAttributes["kind"].StringValue))
}

func TestPublisher_QueueOverrides(t *testing.T) {
	publisher := NewPublisher(&fakeSQS{}, Config{
		QueueURLs: map[domain.Destination]string{
			domain.DestinationOperationsAlerts: "http://localhost:4566/000000000000/alerts.fifo",
		},
	}, nil)

	url, err := publisher.QueueURL(domain.DestinationOperationsAlerts)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:4566/000000000000/alerts.fifo", url)

	_, err = publisher.QueueURL(domain.DestinationCatalogEvents)
	require.Error(t, err)
	require.Error(t, publisher.Publish(context.Background(), domain.OutboxEntry{Destination: domain.DestinationCatalogEvents}))
}

func TestPublisher_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, transient: true},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "RequestThrottled", Fault: smithy.FaultClient}, transient: true},
		{name: "network", err: errors.New("dial tcp: connection refused"), transient: true},
		{name: "missing queue", err: &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Fault: smithy.FaultClient}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := NewPublisher(&fakeSQS{err: tt.err}, Config{QueueURLPrefix: "http://localhost:4566/000000000000"}, nil)

			err := publisher.Publish(context.Background(), testEntry())
			require.Error(t, err)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, tt.transient, errors.Is(err, domain.ErrTransportUnavailable))
		})
	}
}

func TestQueueName(t *testing.T) {
	require.Equal(t, "ordering-events.fifo", QueueName(domain.DestinationOrderingEvents))
	require.Equal(t, "finance-commands.fifo", QueueName(domain.DestinationFinanceCommands))
}

func TestPublisher_NilGuard(t *testing.T) {
	var publisher *Publisher
	require.Error(t, publisher.Publish(context.Background(), testEntry()))
}
