package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// Store: in-memory хранилище саг, ключей идемпотентности и outbox.
// Все три коллекции защищены одним мьютексом, поэтому Commit атомарен.
type Store struct {
	mu      sync.RWMutex
	sagas   map[string]domain.SagaState
	keys    map[string]domain.IdempotencyRecord
	outbox  map[string]*domain.OutboxEntry
	nextSeq int64
}

// NewStore создаёт пустое хранилище для локальной разработки и тестов.
func NewStore() *Store {
	return &Store{
		sagas:  make(map[string]domain.SagaState),
		keys:   make(map[string]domain.IdempotencyRecord),
		outbox: make(map[string]*domain.OutboxEntry),
	}
}

// Sagas возвращает репозиторий состояний саг.
func (s *Store) Sagas() domain.SagaRepository { return &sagaRepository{store: s} }

// Idempotency возвращает репозиторий ключей идемпотентности.
func (s *Store) Idempotency() domain.IdempotencyRepository { return &idempotencyRepository{store: s} }

// Outbox возвращает репозиторий outbox.
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{store: s} }

// Ping всегда успешен; нужен для health-check.
func (s *Store) Ping(context.Context) error { return nil }
