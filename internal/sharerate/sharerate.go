// Package sharerate holds the exact-integer primitives shared by the
// request-book, batch calculator, finalizer, and claim resolver: the
// E27-scaled share rate, the UNLIMITED discount cap, and the mul-div-floor
// used everywhere a share amount is converted to a NAT amount.
package sharerate

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxBatches bounds the number of homogeneous groups a single finalization
// may contain (spec §4.C).
const MaxBatches = 36

// MaxRequestsPerCall bounds the number of requests one batch-calculation
// invocation may examine (spec §4.C).
const MaxRequestsPerCall = 1000

// NotFound is returned by hint lookups that find no governing checkpoint.
const NotFound = 0

var ErrDivisionByZero = errors.New("sharerate: division by zero")

// E27 is the fixed-point scale of a share rate: total_stk * E27 / total_shares.
var E27 = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// Unlimited is the sentinel cap meaning "no discount applied": 2^256 - 1.
var Unlimited = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MulDivFloor computes floor(a*b/c) using a 256-bit-safe big.Int
// intermediate. Division truncates toward zero, which for non-negative
// operands is the same as flooring.
func MulDivFloor(a, b, c *big.Int) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	num := new(big.Int).Mul(a, b)
	return num.Quo(num, c), nil
}

// Rate computes the batch/request share rate r = deltaSTK * E27 / deltaShares.
func Rate(deltaSTK, deltaShares *big.Int) (*big.Int, error) {
	if deltaShares.Sign() == 0 {
		return nil, fmt.Errorf("sharerate: rate of zero shares: %w", ErrDivisionByZero)
	}
	return MulDivFloor(deltaSTK, E27, deltaShares)
}

// CappedPayout returns the NAT amount owed for a (deltaSTK, deltaShares)
// range under cap: deltaSTK if the range's own rate is at or below cap
// (nominal), otherwise deltaShares*cap/E27 (discounted).
func CappedPayout(rate, deltaSTK, deltaShares, cap *big.Int) (*big.Int, error) {
	if cap.Cmp(Unlimited) == 0 || rate.Cmp(cap) <= 0 {
		return new(big.Int).Set(deltaSTK), nil
	}
	return MulDivFloor(deltaShares, cap, E27)
}

// IsOverCap reports whether rate exceeds cap (UNLIMITED never is).
func IsOverCap(rate, cap *big.Int) bool {
	if cap.Cmp(Unlimited) == 0 {
		return false
	}
	return rate.Cmp(cap) > 0
}
