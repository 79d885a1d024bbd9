package claims

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
)

func seedBook(t *testing.T, stkShares ...[2]int64) (*reqbook.MemoryStore, [20]byte) {
	t.Helper()
	store := reqbook.NewMemoryStore()
	owner := [20]byte{1}
	now := time.Now()
	for _, pair := range stkShares {
		if _, err := store.Append(context.Background(), owner, big.NewInt(pair[0]), big.NewInt(pair[1]), now, now); err != nil {
			t.Fatalf("seed Append: %v", err)
		}
	}
	return store, owner
}

func TestFindCheckpointHint_BinarySearch(t *testing.T) {
	t.Parallel()

	cps := checkpointhistory.NewMemoryStore()
	ctx := context.Background()
	// checkpoints at from_request_id 10, 20, 30
	for _, from := range []uint64{10, 20, 30} {
		if _, err := cps.Append(ctx, from, big.NewInt(1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	hint, err := FindCheckpointHint(ctx, cps, 25, 0, 3)
	if err != nil {
		t.Fatalf("FindCheckpointHint: %v", err)
	}
	if hint != 2 {
		t.Fatalf("expected hint index 2 (from=20), got %d", hint)
	}

	hint, err = FindCheckpointHint(ctx, cps, 5, 0, 3)
	if err != nil {
		t.Fatalf("FindCheckpointHint: %v", err)
	}
	if hint != 0 {
		t.Fatalf("expected hint index 0 (sentinel) for request before first checkpoint, got %d", hint)
	}

	hint, err = FindCheckpointHint(ctx, cps, 100, 0, 3)
	if err != nil {
		t.Fatalf("FindCheckpointHint: %v", err)
	}
	if hint != 3 {
		t.Fatalf("expected hint index 3 (from=30) for request past last checkpoint, got %d", hint)
	}
}

func TestValidHint(t *testing.T) {
	t.Parallel()

	cps := checkpointhistory.NewMemoryStore()
	ctx := context.Background()
	if _, err := cps.Append(ctx, 10, big.NewInt(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := cps.Append(ctx, 20, big.NewInt(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ok, err := ValidHint(ctx, cps, 15, 1)
	if err != nil {
		t.Fatalf("ValidHint: %v", err)
	}
	if !ok {
		t.Fatalf("expected hint 1 to govern request 15")
	}

	ok, err = ValidHint(ctx, cps, 25, 1)
	if err != nil {
		t.Fatalf("ValidHint: %v", err)
	}
	if ok {
		t.Fatalf("expected hint 1 to not govern request 25 (checkpoint 2 takes over)")
	}
}

func TestClaim_ComputesNominalPayout(t *testing.T) {
	t.Parallel()

	store, owner := seedBook(t, [2]int64{100, 100})
	cps := checkpointhistory.NewMemoryStore()
	ctx := context.Background()

	result, err := Claim(ctx, store, cps, 1, 1, 0, owner)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if result.Payout.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected nominal payout 100, got %s", result.Payout.String())
	}
}

func TestClaim_WrongOwner(t *testing.T) {
	t.Parallel()

	store, _ := seedBook(t, [2]int64{100, 100})
	cps := checkpointhistory.NewMemoryStore()

	_, err := Claim(context.Background(), store, cps, 1, 1, 0, [20]byte{99})
	if !errors.Is(err, ErrWrongOwner) {
		t.Fatalf("expected ErrWrongOwner, got %v", err)
	}
}

func TestClaim_NotFinalized(t *testing.T) {
	t.Parallel()

	store, owner := seedBook(t, [2]int64{100, 100})
	cps := checkpointhistory.NewMemoryStore()

	_, err := Claim(context.Background(), store, cps, 1, 0, 0, owner)
	if !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
}

func TestClaim_AlreadyClaimed(t *testing.T) {
	t.Parallel()

	store, owner := seedBook(t, [2]int64{100, 100})
	cps := checkpointhistory.NewMemoryStore()
	ctx := context.Background()

	if err := store.MarkClaimed(ctx, 1); err != nil {
		t.Fatalf("MarkClaimed: %v", err)
	}
	_, err := Claim(ctx, store, cps, 1, 1, 0, owner)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaim_InvalidHint(t *testing.T) {
	t.Parallel()

	store, owner := seedBook(t, [2]int64{100, 100}, [2]int64{50, 50})
	cps := checkpointhistory.NewMemoryStore()
	ctx := context.Background()
	if _, err := cps.Append(ctx, 2, big.NewInt(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Request 1 is governed by the sentinel (index 0), not index 1.
	_, err := Claim(ctx, store, cps, 1, 2, 1, owner)
	if !errors.Is(err, ErrInvalidHint) {
		t.Fatalf("expected ErrInvalidHint, got %v", err)
	}
}

func TestClaim_UnknownRequest(t *testing.T) {
	t.Parallel()

	store, owner := seedBook(t, [2]int64{100, 100})
	cps := checkpointhistory.NewMemoryStore()

	_, err := Claim(context.Background(), store, cps, 99, 99, 0, owner)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}
