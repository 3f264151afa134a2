package domain

import "time"

// OutboxStatus: статус записи transactional outbox.
type OutboxStatus string

const (
	// OutboxStatusPending: запись ждёт публикации.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusSent: брокер подтвердил публикацию.
	OutboxStatusSent OutboxStatus = "sent"
)

// Destination: логический топик/очередь назначения.
type Destination string

const (
	DestinationOrderingEvents   Destination = "ordering.events"
	DestinationOrderingCommands Destination = "ordering.commands"
	DestinationBasketEvents     Destination = "basket.events"
	DestinationFinanceCommands  Destination = "finance.commands"
	DestinationNotifications    Destination = "notification.commands"
	DestinationOperationsAlerts Destination = "operations.alerts"
	DestinationCatalogEvents    Destination = "catalog.events"
)

// OutboxEntry хранит исходящее сообщение, записанное вместе с изменением саги.
type OutboxEntry struct {
	MessageID     string
	CorrelationID string
	Destination   Destination
	Kind          MessageKind
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	Seq           int64
	CreatedAt     time.Time
	SentAt        time.Time
}

// OutboxEntryFor упаковывает исходящий конверт в запись outbox.
func OutboxEntryFor(destination Destination, env Envelope) (OutboxEntry, error) {
	payload, err := env.Encode()
	if err != nil {
		return OutboxEntry{}, err
	}
	return OutboxEntry{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		Destination:   destination,
		Kind:          env.Kind,
		Payload:       payload,
		Status:        OutboxStatusPending,
		CreatedAt:     env.OccurredAt,
	}, nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
