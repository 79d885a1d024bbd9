// Package reqbook implements the request-book: the append-only,
// partial-sum sequence of withdrawal requests that is the core data
// structure of the withdrawal queue (component A).
package reqbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrInvalidConfig = errors.New("reqbook: invalid config")
	ErrNotFound      = errors.New("reqbook: not found")
	ErrAlreadyClaimed = errors.New("reqbook: already claimed")
)

// Request is one withdrawal request. CumulativeSTK/CumulativeShares are the
// running sums of all requests 1..ID (spec §3); they let any range (a, b]
// be summarised in O(1).
type Request struct {
	ID uint64

	CumulativeSTK    *big.Int
	CumulativeShares *big.Int

	Owner [20]byte

	CreatedAt time.Time
	ReportAt  time.Time

	Claimed bool
}

// Sentinel is the synthetic id-0 row: a zero request that is already
// claimed, so request[id-1] is always in range and payout math never has
// to special-case id==1.
func Sentinel() Request {
	return Request{
		CumulativeSTK:    new(big.Int),
		CumulativeShares: new(big.Int),
		Claimed:          true,
	}
}

func clone(r Request) Request {
	r.CumulativeSTK = new(big.Int).Set(r.CumulativeSTK)
	r.CumulativeShares = new(big.Int).Set(r.CumulativeShares)
	return r
}

// Store is the persistence boundary for the request-book. Implementations
// must uphold invariants 1-2 of spec §3: dense ids and non-decreasing
// partial sums.
type Store interface {
	// Append adds a new request with running sums relative to the current
	// last request, and returns it with its assigned id.
	Append(ctx context.Context, owner [20]byte, stk, shares *big.Int, createdAt, reportAt time.Time) (Request, error)

	// Get returns the request at id, or the sentinel for id==0.
	Get(ctx context.Context, id uint64) (Request, error)

	// Last returns last_request_id (0 if the book is empty).
	Last(ctx context.Context) (uint64, error)

	// OwnerRequestIDs returns the ids currently indexed under owner, sorted
	// ascending.
	OwnerRequestIDs(ctx context.Context, owner [20]byte) ([]uint64, error)

	// MarkClaimed flips the one-shot claimed flag and drops id from the
	// owner index. Returns ErrAlreadyClaimed if already set.
	MarkClaimed(ctx context.Context, id uint64) error
}

func validateAppend(stk, shares *big.Int) error {
	if stk == nil || shares == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidConfig)
	}
	if stk.Sign() <= 0 {
		return fmt.Errorf("%w: stk must be > 0", ErrInvalidConfig)
	}
	if shares.Sign() <= 0 {
		return fmt.Errorf("%w: shares must be > 0", ErrInvalidConfig)
	}
	return nil
}
