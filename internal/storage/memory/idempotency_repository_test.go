package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/memory"
)

func claimAt(key, hash string, now time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{
		Key:         key,
		Kind:        domain.KindPlaceOrder,
		RequestHash: hash,
		Now:         now,
		LeaseUntil:  now.Add(30 * time.Second),
		ExpiresAt:   now.Add(72 * time.Hour),
	}
}

func TestIdempotencyRepository_ClaimAndGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Idempotency()
	now := time.Now().UTC().Round(time.Second)

	created, claimed, err := repo.Claim(ctx, claimAt("idem-key-1", "hash-1", now))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected fresh key to be claimed")
	}
	if created.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected status %s, got %s", domain.IdempotencyStatusProcessing, created.Status)
	}

	got, err := repo.Get(ctx, " idem-key-1 ")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestHash != "hash-1" {
		t.Fatalf("expected request_hash hash-1, got %s", got.RequestHash)
	}
	if !got.ExpiresAt.Equal(now.Add(72 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", got.ExpiresAt)
	}
}

func TestIdempotencyRepository_InProgressAndHashMismatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Idempotency()
	now := time.Now().UTC()

	if _, _, err := repo.Claim(ctx, claimAt("idem-key-2", "hash-a", now)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	_, claimed, err := repo.Claim(ctx, claimAt("idem-key-2", "hash-a", now.Add(time.Second)))
	if err != nil || claimed {
		t.Fatalf("expected in-progress key not to be claimed, claimed=%v err=%v", claimed, err)
	}

	if _, _, err := repo.Claim(ctx, claimAt("idem-key-2", "hash-b", now)); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
}

func TestIdempotencyRepository_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Idempotency()
	now := time.Now().UTC()

	if _, _, err := repo.Claim(ctx, claimAt("idem-lease", "hash", now)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	_, claimed, err := repo.Claim(ctx, claimAt("idem-lease", "hash", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected abandoned claim to be taken over")
	}
}

func TestIdempotencyRepository_CompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Idempotency()
	now := time.Now().UTC()

	if _, _, err := repo.Claim(ctx, claimAt("idem-done", "hash", now)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	outcome := []byte(`{"kind":"applied"}`)
	if err := repo.Complete(ctx, "idem-done", outcome, now); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := repo.Complete(ctx, "idem-done", outcome, now.Add(time.Second)); err != nil {
		t.Fatalf("repeated Complete with same outcome must be a no-op, got %v", err)
	}
	if err := repo.Complete(ctx, "idem-done", []byte(`{"kind":"not_found"}`), now); !errors.Is(err, domain.ErrIdempotencyOutcomeConflict) {
		t.Fatalf("expected ErrIdempotencyOutcomeConflict, got %v", err)
	}

	rec, claimed, err := repo.Claim(ctx, claimAt("idem-done", "hash", now.Add(time.Hour)))
	if err != nil || claimed {
		t.Fatalf("completed key must not be claimed again, claimed=%v err=%v", claimed, err)
	}
	if string(rec.Outcome) != string(outcome) {
		t.Fatalf("expected recorded outcome, got %s", rec.Outcome)
	}
}

func TestIdempotencyRepository_ReleaseAndDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Idempotency()
	now := time.Now().UTC()

	expired := claimAt("idem-expired", "hash-expired", now.Add(-100*time.Hour))
	if _, _, err := repo.Claim(ctx, expired); err != nil {
		t.Fatalf("Claim expired failed: %v", err)
	}
	if err := repo.Complete(ctx, "idem-expired", []byte(`{}`), now.Add(-100*time.Hour)); err != nil {
		t.Fatalf("Complete expired failed: %v", err)
	}
	if _, _, err := repo.Claim(ctx, claimAt("idem-active", "hash-active", now)); err != nil {
		t.Fatalf("Claim active failed: %v", err)
	}
	if _, _, err := repo.Claim(ctx, claimAt("idem-released", "hash", now)); err != nil {
		t.Fatalf("Claim released failed: %v", err)
	}
	if err := repo.Release(ctx, "idem-released"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := repo.Get(ctx, "idem-released"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected released key to be gone, got %v", err)
	}

	removed, err := repo.DeleteExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected removed=1, got %d", removed)
	}
	if _, err := repo.Get(ctx, "idem-expired"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected expired key to be deleted, got %v", err)
	}
	if _, err := repo.Get(ctx, "idem-active"); err != nil {
		t.Fatalf("active key must survive: %v", err)
	}
}
