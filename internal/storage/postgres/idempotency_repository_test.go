package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func testClaim(key, hash string, now time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{
		Key:         key,
		Kind:        domain.KindPlaceOrder,
		RequestHash: hash,
		Now:         now,
		LeaseUntil:  now.Add(30 * time.Second),
		ExpiresAt:   now.Add(72 * time.Hour),
	}
}

func TestIdempotencyRepository_ClaimFreshKey(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claim := testClaim("cmd-1", "hash-a", now)

	mock.ExpectQuery(q("INSERT INTO idempotency_keys")).
		WithArgs("cmd-1", "PlaceOrderCommand", "hash-a", claim.LeaseUntil, claim.ExpiresAt, now).
		WillReturnRows(idempotencyRows(processingRecord("cmd-1", "hash-a", now, claim.LeaseUntil)))

	record, claimed, err := store.Idempotency().Claim(context.Background(), claim)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
	require.Equal(t, claim.LeaseUntil, record.LeaseUntil)
	require.True(t, record.RecordedAt.IsZero())
}

func TestIdempotencyRepository_ClaimBusyKey(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(q("INSERT INTO idempotency_keys")).
		WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))
	mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).
		WithArgs("cmd-1").
		WillReturnRows(idempotencyRows(processingRecord("cmd-1", "hash-a", now, now.Add(time.Minute))))

	record, claimed, err := store.Idempotency().Claim(context.Background(), testClaim("cmd-1", "hash-a", now))
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "cmd-1", record.Key)
}

func TestIdempotencyRepository_ClaimHashMismatch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(q("INSERT INTO idempotency_keys")).
		WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))
	mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).
		WillReturnRows(idempotencyRows(processingRecord("cmd-1", "hash-a", now, now.Add(time.Minute))))

	_, claimed, err := store.Idempotency().Claim(context.Background(), testClaim("cmd-1", "hash-b", now))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	require.False(t, claimed)
}

func TestIdempotencyRepository_ClaimReclaimsExpiredLease(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	claim := testClaim("cmd-1", "hash-a", now)
	stale := processingRecord("cmd-1", "hash-a", now.Add(-time.Minute), now.Add(-time.Second))

	mock.ExpectQuery(q("INSERT INTO idempotency_keys")).
		WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))
	mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).
		WillReturnRows(idempotencyRows(stale))

	reclaimed := stale
	reclaimed.LeaseUntil = claim.LeaseUntil
	mock.ExpectQuery(q("UPDATE idempotency_keys SET lease_until = $2")).
		WithArgs("cmd-1", claim.LeaseUntil, now).
		WillReturnRows(idempotencyRows(reclaimed))

	record, claimed, err := store.Idempotency().Claim(context.Background(), claim)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, claim.LeaseUntil, record.LeaseUntil)
}

func TestIdempotencyRepository_ClaimLosesReclaimRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	stale := processingRecord("cmd-1", "hash-a", now.Add(-time.Minute), now.Add(-time.Second))
	taken := processingRecord("cmd-1", "hash-a", now, now.Add(time.Minute))

	mock.ExpectQuery(q("INSERT INTO idempotency_keys")).
		WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))
	mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).
		WillReturnRows(idempotencyRows(stale))
	mock.ExpectQuery(q("UPDATE idempotency_keys SET lease_until = $2")).
		WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))
	mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).
		WillReturnRows(idempotencyRows(taken))

	record, claimed, err := store.Idempotency().Claim(context.Background(), testClaim("cmd-1", "hash-a", now))
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, taken.LeaseUntil, record.LeaseUntil)
}

func TestIdempotencyRepository_ClaimValidation(t *testing.T) {
	store, _ := newMockStore(t)
	now := time.Now().UTC()

	_, _, err := store.Idempotency().Claim(context.Background(), testClaim(" ", "hash", now))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)

	_, _, err = store.Idempotency().Claim(context.Background(), testClaim("cmd", "", now))
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
}

func TestIdempotencyRepository_CompleteFlows(t *testing.T) {
	now := time.Now().UTC()
	outcome := []byte(`{"kind":"applied"}`)
	done := processingRecord("cmd-1", "hash-a", now, now)
	done.Status = domain.IdempotencyStatusDone
	done.Outcome = outcome
	done.RecordedAt = now

	t.Run("processing key is completed", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(q("UPDATE idempotency_keys SET status = 'done'")).
			WithArgs("cmd-1", outcome, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Idempotency().Complete(context.Background(), "cmd-1", outcome, now))
	})

	t.Run("same outcome again is accepted", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(q("UPDATE idempotency_keys")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).WillReturnRows(idempotencyRows(done))

		require.NoError(t, store.Idempotency().Complete(context.Background(), "cmd-1", outcome, now))
	})

	t.Run("different outcome conflicts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(q("UPDATE idempotency_keys")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).WillReturnRows(idempotencyRows(done))

		err := store.Idempotency().Complete(context.Background(), "cmd-1", []byte(`{"kind":"not_found"}`), now)
		require.ErrorIs(t, err, domain.ErrIdempotencyOutcomeConflict)
	})

	t.Run("missing key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(q("UPDATE idempotency_keys")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM idempotency_keys WHERE key = $1")).WillReturnRows(sqlmock.NewRows(idempotencyColumnNames))

		err := store.Idempotency().Complete(context.Background(), "cmd-1", outcome, now)
		require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	})
}

func TestIdempotencyRepository_ReleaseAndDeleteExpired(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("DELETE FROM idempotency_keys WHERE key = $1 AND status = 'processing'")).
		WithArgs("cmd-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("WHERE expires_at <= $1")).
		WithArgs(before, 50).
		WillReturnResult(sqlmock.NewResult(0, 7))

	require.NoError(t, store.Idempotency().Release(context.Background(), "cmd-1"))
	require.NoError(t, store.Idempotency().Release(context.Background(), " "))

	removed, err := store.Idempotency().DeleteExpired(context.Background(), before, 50)
	require.NoError(t, err)
	require.Equal(t, 7, removed)
}
