package domain

import (
	"bytes"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что ключ захвачен и сообщение обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что исход записан и будет воспроизводиться.
	IdempotencyStatusDone IdempotencyStatus = "done"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит состояние обработки сообщения по idempotency-key.
type IdempotencyRecord struct {
	Key         string
	Kind        MessageKind
	RequestHash string
	Status      IdempotencyStatus
	Outcome     []byte
	LeaseUntil  time.Time
	RecordedAt  time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LeaseExpired сообщает, что захват ключа брошен (обработчик упал) и его можно забрать.
func (r IdempotencyRecord) LeaseExpired(now time.Time) bool {
	return r.Status == IdempotencyStatusProcessing && !r.LeaseUntil.After(now)
}

// Matches сверяет тип и хэш запроса при повторном использовании ключа.
func (r IdempotencyRecord) Matches(kind MessageKind, requestHash string) bool {
	return r.Kind == kind && r.RequestHash == requestHash
}

// SameOutcome сравнивает сохранённый исход с новым.
func (r IdempotencyRecord) SameOutcome(outcome []byte) bool {
	return bytes.Equal(r.Outcome, outcome)
}

// IdempotencyClaim: параметры атомарного захвата ключа.
type IdempotencyClaim struct {
	Key         string
	Kind        MessageKind
	RequestHash string
	Now         time.Time
	LeaseUntil  time.Time
	ExpiresAt   time.Time
}
