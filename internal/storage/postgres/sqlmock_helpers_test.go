package postgres

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewStoreFromDB(db), mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

var idempotencyColumnNames = []string{
	"key", "kind", "request_hash", "status", "outcome",
	"lease_until", "recorded_at", "expires_at", "created_at", "updated_at",
}

func idempotencyRows(records ...domain.IdempotencyRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(idempotencyColumnNames)
	for _, r := range records {
		var recordedAt any
		if !r.RecordedAt.IsZero() {
			recordedAt = r.RecordedAt
		}
		var outcome any
		if r.Outcome != nil {
			outcome = r.Outcome
		}
		rows.AddRow(
			r.Key, string(r.Kind), r.RequestHash, string(r.Status), outcome,
			r.LeaseUntil, recordedAt, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
		)
	}
	return rows
}

func processingRecord(key, hash string, now time.Time, leaseUntil time.Time) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:         key,
		Kind:        domain.KindPlaceOrder,
		RequestHash: hash,
		Status:      domain.IdempotencyStatusProcessing,
		LeaseUntil:  leaseUntil,
		ExpiresAt:   now.Add(72 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
