package finalizer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

func seedBook(t *testing.T, stkShares ...[2]int64) *reqbook.MemoryStore {
	t.Helper()
	store := reqbook.NewMemoryStore()
	now := time.Now()
	for _, pair := range stkShares {
		if _, err := store.Append(context.Background(), [20]byte{1}, big.NewInt(pair[0]), big.NewInt(pair[1]), now, now); err != nil {
			t.Fatalf("seed Append: %v", err)
		}
	}
	return store
}

func TestPrefinalize_SingleBatchNominal(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	result, err := Prefinalize(context.Background(), store, 0, []uint64{1}, maxRate)
	if err != nil {
		t.Fatalf("Prefinalize: %v", err)
	}
	if result.NATToLock.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected nat_to_lock 100, got %s", result.NATToLock.String())
	}
	if result.SharesToBurn.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected shares_to_burn 100, got %s", result.SharesToBurn.String())
	}
}

func TestPrefinalize_RejectsEmptyBatches(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100})
	if _, err := Prefinalize(context.Background(), store, 0, nil, sharerate.E27); !errors.Is(err, ErrEmptyBatches) {
		t.Fatalf("expected ErrEmptyBatches, got %v", err)
	}
}

func TestPrefinalize_RejectsNonIncreasingBatches(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100}, [2]int64{50, 50})
	if _, err := Prefinalize(context.Background(), store, 2, []uint64{1}, sharerate.E27); !errors.Is(err, ErrNotIncreasing) {
		t.Fatalf("expected ErrNotIncreasing, got %v", err)
	}
}

func TestPrefinalize_DetectsAlternationViolation(t *testing.T) {
	t.Parallel()

	// Two consecutive batches at the same rate (2:1, over cap of 1:1)
	// should violate alternation.
	store := seedBook(t, [2]int64{200, 100}, [2]int64{200, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	_, err := Prefinalize(context.Background(), store, 0, []uint64{1, 2}, maxRate)
	if !errors.Is(err, ErrAlternationViolated) {
		t.Fatalf("expected ErrAlternationViolated, got %v", err)
	}
}

func TestPrefinalize_AllowsAlternatingBatches(t *testing.T) {
	t.Parallel()

	// batch 1: rate 2:1 (over cap 1:1); batch 2: rate 1:1 (within cap).
	store := seedBook(t, [2]int64{200, 100}, [2]int64{100, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	result, err := Prefinalize(context.Background(), store, 0, []uint64{1, 2}, maxRate)
	if err != nil {
		t.Fatalf("Prefinalize: %v", err)
	}
	// batch 1 discounted: shares*cap/E27 = 100; batch 2 nominal: 100.
	if result.NATToLock.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected nat_to_lock 200, got %s", result.NATToLock.String())
	}
}

func TestFinalize_AdvancesFrontierAndBurnsShares(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	result, err := Finalize(context.Background(), store, 0, 1, []uint64{1}, maxRate, big.NewInt(100), checkpointhistory.Sentinel())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.NewLastFinalizedRequestID != 1 {
		t.Fatalf("expected frontier 1, got %d", result.NewLastFinalizedRequestID)
	}
	if result.SharesBurned.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected shares burned 100, got %s", result.SharesBurned.String())
	}
	// Full range consumed at 1:1: effective cap becomes UNLIMITED, matching
	// the sentinel's own UNLIMITED cap, so no new checkpoint is needed.
	if _, ok := result.CheckpointFromRequestID(); ok {
		t.Fatalf("expected no checkpoint to append when effective cap matches sentinel")
	}
}

func TestFinalize_AppendsCheckpointWhenCapChanges(t *testing.T) {
	t.Parallel()

	// rate 2:1, amount sent less than total => stays capped, not UNLIMITED.
	store := seedBook(t, [2]int64{200, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	result, err := Finalize(context.Background(), store, 0, 1, []uint64{1}, maxRate, big.NewInt(100), checkpointhistory.Sentinel())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	from, ok := result.CheckpointFromRequestID()
	if !ok {
		t.Fatalf("expected a checkpoint to append")
	}
	if from != 1 {
		t.Fatalf("expected checkpoint from_request_id 1, got %d", from)
	}
	if result.CheckpointMaxShareRate().Cmp(maxRate) != 0 {
		t.Fatalf("expected checkpoint cap %s, got %s", maxRate.String(), result.CheckpointMaxShareRate().String())
	}
}

func TestFinalize_RejectsAmountExceedingTotal(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	_, err := Finalize(context.Background(), store, 0, 1, []uint64{1}, maxRate, big.NewInt(101), checkpointhistory.Sentinel())
	if !errors.Is(err, ErrAmountExceedsTotal) {
		t.Fatalf("expected ErrAmountExceedsTotal, got %v", err)
	}
}

func TestFinalize_RejectsBatchBelowFrontier(t *testing.T) {
	t.Parallel()

	store := seedBook(t, [2]int64{100, 100})
	maxRate := new(big.Int).Set(sharerate.E27)

	_, err := Finalize(context.Background(), store, 1, 1, []uint64{1}, maxRate, big.NewInt(100), checkpointhistory.Sentinel())
	if !errors.Is(err, ErrIDOutOfRange) {
		t.Fatalf("expected ErrIDOutOfRange, got %v", err)
	}
}
