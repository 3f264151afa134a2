package finance

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func TestMockService(t *testing.T) {
	mock := NewMockService()
	if mock == nil {
		t.Fatal("expected non-nil mock")
	}

	state := domain.SagaState{OrderID: "o-1", Total: domain.Money{AmountMinor: 100, Currency: "USD"}}
	if err := mock.ReleaseFunds(context.Background(), state, "cancel-o-1"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if err := mock.ReleaseFunds(context.Background(), state, "cancel-o-1"); err != nil {
		t.Fatalf("unexpected repeated release error: %v", err)
	}
	if mock.Released() != 1 {
		t.Fatalf("repeated key must release once, got %d", mock.Released())
	}

	mock.ReleaseErr = errors.New("ledger unavailable")
	if err := mock.ReleaseFunds(context.Background(), state, "cancel-o-2"); err == nil {
		t.Fatal("expected release error")
	}

	if mock.ReleaseCalls != 3 {
		t.Fatalf("unexpected call counter: %d", mock.ReleaseCalls)
	}
}
