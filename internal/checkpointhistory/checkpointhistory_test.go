package checkpointhistory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

func TestMemoryStore_Append_EnforcesStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	idx1, err := s.Append(ctx, 10, big.NewInt(1))
	if err != nil {
		t.Fatalf("Append #1: %v", err)
	}
	if idx1 != 1 {
		t.Fatalf("expected index 1, got %d", idx1)
	}

	if _, err := s.Append(ctx, 10, big.NewInt(1)); !errors.Is(err, ErrNotIncreasing) {
		t.Fatalf("expected ErrNotIncreasing for equal from_request_id, got %v", err)
	}
	if _, err := s.Append(ctx, 5, big.NewInt(1)); !errors.Is(err, ErrNotIncreasing) {
		t.Fatalf("expected ErrNotIncreasing for decreasing from_request_id, got %v", err)
	}

	idx2, err := s.Append(ctx, 20, big.NewInt(1))
	if err != nil {
		t.Fatalf("Append #2: %v", err)
	}
	if idx2 != 2 {
		t.Fatalf("expected index 2, got %d", idx2)
	}
}

func TestMemoryStore_Append_RejectsNonPositiveRate(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.Append(context.Background(), 1, big.NewInt(0)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMemoryStore_Get_SentinelIsUnlimited(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	cp, err := s.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if cp.FromRequestID != 0 || cp.MaxShareRate.Cmp(sharerate.Unlimited) != 0 {
		t.Fatalf("expected sentinel (0, UNLIMITED), got %+v", cp)
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Last(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	last, err := s.Last(ctx)
	if err != nil {
		t.Fatalf("Last (empty): %v", err)
	}
	if last != 0 {
		t.Fatalf("expected last 0, got %d", last)
	}

	if _, err := s.Append(ctx, 1, big.NewInt(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	last, err = s.Last(ctx)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last != 1 {
		t.Fatalf("expected last 1, got %d", last)
	}
}
