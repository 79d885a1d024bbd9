// Package claims implements the claim-time discount resolver (component
// E): binary-search hint validation against the checkpoint history, and
// payout computation from the request book's partial sums.
package claims

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

var (
	ErrUnknownRequest = errors.New("claims: unknown request")
	ErrNotFinalized   = errors.New("claims: request not finalized")
	ErrAlreadyClaimed = errors.New("claims: already claimed")
	ErrWrongOwner     = errors.New("claims: caller is not the owner")
	ErrInvalidHint    = errors.New("claims: invalid checkpoint hint")
)

// CheckpointReader is the read-only view of the checkpoint history needed
// to validate a hint and resolve a payout.
type CheckpointReader interface {
	Get(ctx context.Context, index uint64) (checkpointhistory.Checkpoint, error)
	Last(ctx context.Context) (uint64, error)
}

// FindCheckpointHint performs the classic upper-bound binary search over
// [start, end-1] for the greatest checkpoint index whose FromRequestID is
// <= requestID, returning sharerate.NotFound (0) when no such index
// exists within the caller-supplied range.
func FindCheckpointHint(ctx context.Context, reader CheckpointReader, requestID, start, end uint64) (uint64, error) {
	if reader == nil {
		return 0, fmt.Errorf("claims: nil checkpoint reader")
	}
	if start > end {
		return sharerate.NotFound, nil
	}

	startCp, err := reader.Get(ctx, start)
	if err != nil {
		return 0, err
	}
	if startCp.FromRequestID > requestID {
		return sharerate.NotFound, nil
	}

	endCp, err := reader.Get(ctx, end)
	if err != nil {
		return 0, err
	}
	if endCp.FromRequestID <= requestID {
		return end, nil
	}

	lo, hi := start, end-1
	result := start
	for lo <= hi {
		mid := lo + (hi-lo)/2
		cp, err := reader.Get(ctx, mid)
		if err != nil {
			return 0, err
		}
		if cp.FromRequestID <= requestID {
			result = mid
			lo = mid + 1
		} else {
			if mid == 0 {
				break
			}
			hi = mid - 1
		}
	}
	return result, nil
}

// ValidHint reports whether hint governs requestID per spec §4.E:
// checkpoint[hint].from_request_id <= request_id AND (hint is the last
// checkpoint OR checkpoint[hint+1].from_request_id > request_id).
func ValidHint(ctx context.Context, reader CheckpointReader, requestID, hint uint64) (bool, error) {
	cp, err := reader.Get(ctx, hint)
	if err != nil {
		if errors.Is(err, checkpointhistory.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if cp.FromRequestID > requestID {
		return false, nil
	}

	lastIndex, err := reader.Last(ctx)
	if err != nil {
		return false, err
	}
	if hint == lastIndex {
		return true, nil
	}

	next, err := reader.Get(ctx, hint+1)
	if err != nil {
		return false, err
	}
	return next.FromRequestID > requestID, nil
}

// Result is the effect of a successful Claim.
type Result struct {
	Payout *big.Int
}

// Claim validates ownership, finalization, and hint, then computes the
// payout owed to request id from (request[id-1], request[id])'s own
// batch rate against the governing checkpoint's cap. It does not mutate
// any store; the caller persists MarkClaimed and the locked_nat decrement.
func Claim(ctx context.Context, requests reqbook.Store, checkpoints CheckpointReader, requestID, lastFinalizedRequestID, hint uint64, caller [20]byte) (Result, error) {
	if requests == nil || checkpoints == nil {
		return Result{}, fmt.Errorf("claims: nil store")
	}
	if requestID == 0 || requestID > lastFinalizedRequestID {
		return Result{}, ErrNotFinalized
	}

	this, err := requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, reqbook.ErrNotFound) {
			return Result{}, ErrUnknownRequest
		}
		return Result{}, err
	}
	if this.Claimed {
		return Result{}, ErrAlreadyClaimed
	}
	if this.Owner != caller {
		return Result{}, ErrWrongOwner
	}

	ok, err := ValidHint(ctx, checkpoints, requestID, hint)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrInvalidHint
	}

	prev, err := requests.Get(ctx, requestID-1)
	if err != nil {
		return Result{}, err
	}
	cp, err := checkpoints.Get(ctx, hint)
	if err != nil {
		return Result{}, err
	}

	deltaSTK := new(big.Int).Sub(this.CumulativeSTK, prev.CumulativeSTK)
	deltaShares := new(big.Int).Sub(this.CumulativeShares, prev.CumulativeShares)
	rate, err := sharerate.Rate(deltaSTK, deltaShares)
	if err != nil {
		return Result{}, err
	}
	payout, err := sharerate.CappedPayout(rate, deltaSTK, deltaShares, cp.MaxShareRate)
	if err != nil {
		return Result{}, err
	}

	return Result{Payout: payout}, nil
}
