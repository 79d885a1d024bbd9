package sharerate

import (
	"errors"
	"math/big"
	"testing"
)

func TestMulDivFloor(t *testing.T) {
	t.Parallel()

	got, err := MulDivFloor(big.NewInt(10), big.NewInt(3), big.NewInt(4))
	if err != nil {
		t.Fatalf("MulDivFloor: %v", err)
	}
	if got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected floor(30/4)=7, got %s", got.String())
	}

	if _, err := MulDivFloor(big.NewInt(1), big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestRate(t *testing.T) {
	t.Parallel()

	r, err := Rate(big.NewInt(100), big.NewInt(100))
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if r.Cmp(E27) != 0 {
		t.Fatalf("expected rate E27 (1:1), got %s", r.String())
	}

	if _, err := Rate(big.NewInt(100), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestCappedPayout_NominalWhenUnderCap(t *testing.T) {
	t.Parallel()

	// rate == E27 (1:1), cap == 2*E27: nominal, so payout == deltaSTK.
	cap := new(big.Int).Mul(E27, big.NewInt(2))
	payout, err := CappedPayout(E27, big.NewInt(500), big.NewInt(500), cap)
	if err != nil {
		t.Fatalf("CappedPayout: %v", err)
	}
	if payout.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected nominal payout 500, got %s", payout.String())
	}
}

func TestCappedPayout_DiscountedWhenOverCap(t *testing.T) {
	t.Parallel()

	// rate = 2*E27 (2:1), cap = E27 (1:1): discounted, payout = shares*cap/E27 = shares.
	rate := new(big.Int).Mul(E27, big.NewInt(2))
	payout, err := CappedPayout(rate, big.NewInt(1000), big.NewInt(500), E27)
	if err != nil {
		t.Fatalf("CappedPayout: %v", err)
	}
	if payout.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected discounted payout 500, got %s", payout.String())
	}
}

func TestCappedPayout_UnlimitedCapIsAlwaysNominal(t *testing.T) {
	t.Parallel()

	rate := new(big.Int).Mul(E27, big.NewInt(100))
	payout, err := CappedPayout(rate, big.NewInt(42), big.NewInt(1), Unlimited)
	if err != nil {
		t.Fatalf("CappedPayout: %v", err)
	}
	if payout.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected nominal payout under UNLIMITED cap, got %s", payout.String())
	}
}

func TestIsOverCap(t *testing.T) {
	t.Parallel()

	if IsOverCap(E27, Unlimited) {
		t.Fatalf("UNLIMITED cap should never be exceeded")
	}
	cap := new(big.Int).Sub(E27, big.NewInt(1))
	if !IsOverCap(E27, cap) {
		t.Fatalf("expected rate > cap to report over-cap")
	}
	if IsOverCap(cap, E27) {
		t.Fatalf("expected rate < cap to report not over-cap")
	}
}
