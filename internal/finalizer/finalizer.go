// Package finalizer implements the on-chain verification and state-advance
// half of the two-phase finalization algorithm (component D): given a
// batch-ending-ids list computed off-chain by batchcalc, it recomputes the
// locked NAT and burned shares from the request book's own partial sums,
// asserts the alternation property, and advances the finalized frontier.
package finalizer

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
	ErrEmptyBatches        = errors.New("finalizer: empty batch list")
	ErrZeroShareRate       = errors.New("finalizer: max_share_rate must be > 0")
	ErrIDOutOfRange        = errors.New("finalizer: batch id out of range")
	ErrNotIncreasing       = errors.New("finalizer: batch ids must strictly increase")
	ErrAlternationViolated = errors.New("finalizer: batch alternation property violated")
	ErrAmountExceedsTotal  = errors.New("finalizer: amount sent exceeds range total")
)

// RequestReader is the read-only partial-sum view the finalizer needs.
type RequestReader interface {
	Get(ctx context.Context, id uint64) (reqbook.Request, error)
}

// PrefinalizeResult is the pure "pre-finalize" view of spec §4.D.
type PrefinalizeResult struct {
	NATToLock    *big.Int
	SharesToBurn *big.Int
}

// Prefinalize walks batches (strictly increasing request ids) and, for
// each contiguous range, recomputes its share rate from the request
// book's partial sums, asserting that batch rates alternate across the
// max_share_rate boundary.
func Prefinalize(ctx context.Context, reader RequestReader, lastFinalizedRequestID uint64, batches []uint64, maxShareRate *big.Int) (PrefinalizeResult, error) {
	if reader == nil {
		return PrefinalizeResult{}, fmt.Errorf("finalizer: nil reader")
	}
	if len(batches) == 0 {
		return PrefinalizeResult{}, ErrEmptyBatches
	}
	if maxShareRate == nil || maxShareRate.Sign() <= 0 {
		return PrefinalizeResult{}, ErrZeroShareRate
	}

	natToLock := new(big.Int)
	sharesToBurn := new(big.Int)

	prevBoundary := lastFinalizedRequestID
	var prevRate *big.Int

	for i, end := range batches {
		if end <= prevBoundary {
			return PrefinalizeResult{}, fmt.Errorf("%w: batches[%d]=%d <= %d", ErrNotIncreasing, i, end, prevBoundary)
		}

		start, err := reader.Get(ctx, prevBoundary)
		if err != nil {
			return PrefinalizeResult{}, err
		}
		stop, err := reader.Get(ctx, end)
		if err != nil {
			if errors.Is(err, reqbook.ErrNotFound) {
				return PrefinalizeResult{}, fmt.Errorf("%w: %d", ErrIDOutOfRange, end)
			}
			return PrefinalizeResult{}, err
		}

		deltaSTK := new(big.Int).Sub(stop.CumulativeSTK, start.CumulativeSTK)
		deltaShares := new(big.Int).Sub(stop.CumulativeShares, start.CumulativeShares)
		rate, err := sharerate.Rate(deltaSTK, deltaShares)
		if err != nil {
			return PrefinalizeResult{}, err
		}

		if i >= 1 {
			over := sharerate.IsOverCap(rate, maxShareRate)
			prevOver := sharerate.IsOverCap(prevRate, maxShareRate)
			if over == prevOver {
				return PrefinalizeResult{}, fmt.Errorf("%w: batch %d and %d both %s max_share_rate", ErrAlternationViolated, i-1, i, capSide(over))
			}
		}

		payout, err := sharerate.CappedPayout(rate, deltaSTK, deltaShares, maxShareRate)
		if err != nil {
			return PrefinalizeResult{}, err
		}
		natToLock.Add(natToLock, payout)
		sharesToBurn.Add(sharesToBurn, deltaShares)

		prevBoundary = end
		prevRate = rate
	}

	return PrefinalizeResult{NATToLock: natToLock, SharesToBurn: sharesToBurn}, nil
}

func capSide(over bool) string {
	if over {
		return "exceed"
	}
	return "are within"
}

// Result is the effect of a successful Finalize call: the new frontier,
// the checkpoint to append (nil if the cap didn't change), and the signal
// payload for WithdrawalBatchFinalized.
type Result struct {
	NewLastFinalizedRequestID uint64
	SharesBurned              *big.Int
	CheckpointToAppend        *appendCheckpoint
}

type appendCheckpoint struct {
	FromRequestID uint64
	MaxShareRate  *big.Int
}

// Finalize validates and applies a batch list against the current
// frontier. It does not mutate any store; the caller (the withdrawalqueue
// aggregate) is responsible for persisting the returned effects.
func Finalize(ctx context.Context, reader RequestReader, lastFinalizedRequestID, lastRequestID uint64, batches []uint64, maxShareRate, amountSent *big.Int, lastCheckpoint checkpointhistory.Checkpoint) (Result, error) {
	if len(batches) == 0 {
		return Result{}, ErrEmptyBatches
	}
	if batches[0] <= lastFinalizedRequestID {
		return Result{}, fmt.Errorf("%w: first batch id %d <= finalized frontier %d", ErrIDOutOfRange, batches[0], lastFinalizedRequestID)
	}
	last := batches[len(batches)-1]
	if last > lastRequestID {
		return Result{}, fmt.Errorf("%w: last batch id %d > %d", ErrIDOutOfRange, last, lastRequestID)
	}
	if amountSent == nil || amountSent.Sign() < 0 {
		return Result{}, fmt.Errorf("finalizer: amount_sent must be >= 0")
	}

	pre, err := Prefinalize(ctx, reader, lastFinalizedRequestID, batches, maxShareRate)
	if err != nil {
		return Result{}, err
	}

	start, err := reader.Get(ctx, lastFinalizedRequestID)
	if err != nil {
		return Result{}, err
	}
	stop, err := reader.Get(ctx, last)
	if err != nil {
		return Result{}, err
	}
	totalSTK := new(big.Int).Sub(stop.CumulativeSTK, start.CumulativeSTK)
	if amountSent.Cmp(totalSTK) > 0 {
		return Result{}, ErrAmountExceedsTotal
	}

	effectiveCap := new(big.Int).Set(maxShareRate)
	if len(batches) == 1 && amountSent.Cmp(totalSTK) == 0 {
		effectiveCap = new(big.Int).Set(sharerate.Unlimited)
	}

	result := Result{
		NewLastFinalizedRequestID: last,
		SharesBurned:              pre.SharesToBurn,
	}
	if effectiveCap.Cmp(lastCheckpoint.MaxShareRate) != 0 {
		result.CheckpointToAppend = &appendCheckpoint{
			FromRequestID: lastFinalizedRequestID + 1,
			MaxShareRate:  effectiveCap,
		}
	}
	return result, nil
}

// CheckpointFromRequestID and CheckpointMaxShareRate expose the pending
// checkpoint fields without leaking the unexported wrapper type.
func (r Result) CheckpointFromRequestID() (uint64, bool) {
	if r.CheckpointToAppend == nil {
		return 0, false
	}
	return r.CheckpointToAppend.FromRequestID, true
}

func (r Result) CheckpointMaxShareRate() *big.Int {
	if r.CheckpointToAppend == nil {
		return nil
	}
	return r.CheckpointToAppend.MaxShareRate
}
