package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func TestOutboxRepository_PullPendingClaimsInSeqOrder(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(outboxClaimLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SET claimed_until = now() + make_interval(secs => $2)")).
		WithArgs(10, outboxClaimLease.Seconds()).
		WillReturnRows(sqlmock.NewRows([]string{
			"seq", "message_id", "correlation_id", "destination", "kind", "payload", "attempts", "created_at",
		}).
			AddRow(int64(2), "msg-2", "order-1", "finance.commands", "ReserveFundsCommand", []byte(`{}`), 2, now).
			AddRow(int64(1), "msg-1", "order-1", "ordering.events", "OrderPlacedEvent", []byte(`{}`), 0, now))
	mock.ExpectCommit()

	entries, err := store.Outbox().PullPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "msg-1", entries[0].MessageID)
	require.Equal(t, domain.DestinationFinanceCommands, entries[1].Destination)
	require.Equal(t, domain.KindReserveFunds, entries[1].Kind)
	require.Equal(t, 2, entries[1].Attempts)
	require.Equal(t, domain.OutboxStatusPending, entries[1].Status)
}

func TestOutboxRepository_PullPendingSkipsClaimedAndLaterEntries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("pg_advisory_xact_lock")).
		WithArgs(outboxClaimLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("AND e.claimed_until >= now()")+".*"+q("FOR UPDATE SKIP LOCKED")).
		WithArgs(100, outboxClaimLease.Seconds()).
		WillReturnRows(sqlmock.NewRows([]string{
			"seq", "message_id", "correlation_id", "destination", "kind", "payload", "attempts", "created_at",
		}))
	mock.ExpectCommit()

	entries, err := store.Outbox().PullPending(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOutboxRepository_PullPendingRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("pg_advisory_xact_lock")).
		WithArgs(outboxClaimLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("UPDATE outbox_messages AS o")).
		WithArgs(10, outboxClaimLease.Seconds()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Outbox().PullPending(context.Background(), 10)
	require.ErrorContains(t, err, "pull pending outbox messages")
}

func TestOutboxRepository_MarkSentAndRecordAttempt(t *testing.T) {
	store, mock := newMockStore(t)
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("SET status = 'sent'")).
		WithArgs("msg-1", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET status = 'sent'")).
		WithArgs("missing", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("SET attempts = attempts + 1, claimed_until = NULL")).
		WithArgs("msg-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := store.Outbox()
	require.NoError(t, repo.MarkSent(context.Background(), "msg-1", sentAt))
	require.ErrorIs(t, repo.MarkSent(context.Background(), "missing", sentAt), domain.ErrOutboxEntryNotFound)
	require.NoError(t, repo.RecordAttempt(context.Background(), "msg-2"))
}

func TestOutboxRepository_Stats(t *testing.T) {
	store, mock := newMockStore(t)
	oldest := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("SELECT COUNT(*), MIN(created_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(3, oldest))
	mock.ExpectQuery(q("SELECT COUNT(*), MIN(created_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(0, nil))

	stats, err := store.Outbox().Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.PendingCount)
	require.Equal(t, oldest, stats.OldestPendingAt)

	stats, err = store.Outbox().Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.True(t, stats.OldestPendingAt.IsZero())
}
