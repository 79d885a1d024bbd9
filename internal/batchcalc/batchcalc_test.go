package batchcalc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

func seedBook(t *testing.T, entries ...struct {
	stk, shares int64
	reportAt    time.Time
}) *reqbook.MemoryStore {
	t.Helper()
	store := reqbook.NewMemoryStore()
	for _, e := range entries {
		if _, err := store.Append(context.Background(), [20]byte{1}, big.NewInt(e.stk), big.NewInt(e.shares), e.reportAt, e.reportAt); err != nil {
			t.Fatalf("seed Append: %v", err)
		}
	}
	return store
}

func TestCalculate_GroupsSameReportDayIntoOneBatch(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := seedBook(t,
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day1},
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day1},
	)

	state := CalcState{NATBudget: big.NewInt(1_000_000)}
	out, err := Calculate(context.Background(), store, 0, sharerate.E27, day1.Add(time.Hour), state)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if !out.Finished {
		t.Fatalf("expected calculation to finish")
	}
	if len(out.Batches) != 1 || out.Batches[0] != 2 {
		t.Fatalf("expected single batch ending at 2, got %v", out.Batches)
	}
}

func TestCalculate_SplitsOnCapCrossing(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	// request 1: over cap (2:1 vs cap 1:1). request 2: within cap (1:1), different day.
	store := seedBook(t,
		struct {
			stk, shares int64
			reportAt    time.Time
		}{200, 100, day1},
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day2},
	)

	state := CalcState{NATBudget: big.NewInt(1_000_000)}
	out, err := Calculate(context.Background(), store, 0, sharerate.E27, day2.Add(time.Hour), state)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if len(out.Batches) != 2 {
		t.Fatalf("expected two batches (alternating cap sides), got %v", out.Batches)
	}
	if out.Batches[0] != 1 || out.Batches[1] != 2 {
		t.Fatalf("unexpected batch boundaries: %v", out.Batches)
	}
}

func TestCalculate_StopsAtNATBudget(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := seedBook(t,
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day1},
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day1},
	)

	// Budget only covers the first request.
	state := CalcState{NATBudget: big.NewInt(100)}
	out, err := Calculate(context.Background(), store, 0, sharerate.E27, day1.Add(time.Hour), state)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if out.Finished {
		t.Fatalf("expected calculation to pause before budget exhausted request")
	}
	if len(out.Batches) != 1 || out.Batches[0] != 1 {
		t.Fatalf("expected batch covering only request 1, got %v", out.Batches)
	}
}

func TestCalculate_ExcludesRequestsAfterMaxTimestamp(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	store := seedBook(t,
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day1},
		struct {
			stk, shares int64
			reportAt    time.Time
		}{100, 100, day3},
	)

	state := CalcState{NATBudget: big.NewInt(1_000_000)}
	out, err := Calculate(context.Background(), store, 0, sharerate.E27, day1.Add(time.Hour), state)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if out.Finished {
		t.Fatalf("expected calculation to pause, not finish, when requests exist after max_timestamp")
	}
	if len(out.Batches) != 1 || out.Batches[0] != 1 {
		t.Fatalf("expected only request 1 included, got %v", out.Batches)
	}
}

func TestCalculate_RejectsAlreadyFinished(t *testing.T) {
	t.Parallel()

	store := reqbook.NewMemoryStore()
	state := CalcState{NATBudget: big.NewInt(1), Finished: true}
	if _, err := Calculate(context.Background(), store, 0, sharerate.E27, time.Now(), state); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}
}

func TestBatchListDigestV1_DeterministicAndOrderSensitive(t *testing.T) {
	t.Parallel()

	a := BatchListDigestV1([]uint64{1, 2, 3})
	b := BatchListDigestV1([]uint64{1, 2, 3})
	if a != b {
		t.Fatalf("expected deterministic digest for identical input")
	}

	c := BatchListDigestV1([]uint64{3, 2, 1})
	if a == c {
		t.Fatalf("expected digest to depend on batch order")
	}
}
