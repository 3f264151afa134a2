package finance

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// MockService: in-process заглушка финансового сервиса: снимает резерв средств
// и запоминает ключи, чтобы повторный вызов с тем же ключом ничего не делал.
type MockService struct {
	mu sync.Mutex

	// ReleaseErr возвращается из ReleaseFunds, если задан.
	ReleaseErr error

	ReleaseCalls int
	released     map[string]domain.Money
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{released: make(map[string]domain.Money)}
}

// ReleaseFunds снимает резерв по заказу и считает вызовы.
func (m *MockService) ReleaseFunds(_ context.Context, state domain.SagaState, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReleaseCalls++
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	if _, done := m.released[idempotencyKey]; done {
		return nil
	}
	m.released[idempotencyKey] = state.Total
	return nil
}

// Released возвращает число уникальных снятых резервов.
func (m *MockService) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

var _ domain.Compensator = (*MockService)(nil)
