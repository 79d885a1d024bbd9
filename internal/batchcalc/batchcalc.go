// Package batchcalc implements the off-chain batch calculator (component
// C): a pure, resumable iterator that partitions the unfinalized prefix of
// the request book into homogeneous batches under a NAT budget, ready for
// on-chain verification by the finalizer.
package batchcalc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

var (
	ErrInvalidConfig   = errors.New("batchcalc: invalid config")
	ErrAlreadyFinished = errors.New("batchcalc: already finished")
)

// RequestReader is the read-only view of the request book the calculator
// needs: random access by id, plus the current frontier.
type RequestReader interface {
	Get(ctx context.Context, id uint64) (reqbook.Request, error)
	Last(ctx context.Context) (uint64, error)
}

// CalcState is the small, caller-owned state threaded across invocations
// of Calculate until Finished is true (spec §4.C).
type CalcState struct {
	NATBudget *big.Int
	Finished  bool

	// Cursor is the last request id already folded into Batches (or the
	// finalized frontier, at the start of a calculation session).
	Cursor uint64

	// Batches holds the ending request id of each group produced so far;
	// Batches[len(Batches)-1] is the batch still open for extension.
	Batches []uint64
}

// Calculate advances state by examining up to sharerate.MaxRequestsPerCall
// further requests, grouping them into up to sharerate.MaxBatches
// homogeneous batches under maxShareRate and state.NATBudget. Requests
// created after maxTimestamp are excluded; finished becomes true only when
// the unfinalized prefix is fully exhausted.
func Calculate(ctx context.Context, reader RequestReader, lastFinalizedRequestID uint64, maxShareRate *big.Int, maxTimestamp time.Time, state CalcState) (CalcState, error) {
	if reader == nil {
		return CalcState{}, fmt.Errorf("%w: nil reader", ErrInvalidConfig)
	}
	if maxShareRate == nil || maxShareRate.Sign() <= 0 {
		return CalcState{}, fmt.Errorf("%w: max_share_rate must be > 0", ErrInvalidConfig)
	}
	if state.Finished {
		return CalcState{}, ErrAlreadyFinished
	}
	if state.NATBudget == nil || state.NATBudget.Sign() <= 0 {
		return CalcState{}, fmt.Errorf("%w: nat_budget must be > 0", ErrInvalidConfig)
	}
	if state.Cursor < lastFinalizedRequestID {
		return CalcState{}, fmt.Errorf("%w: cursor %d precedes finalized frontier %d", ErrInvalidConfig, state.Cursor, lastFinalizedRequestID)
	}

	lastRequestID, err := reader.Last(ctx)
	if err != nil {
		return CalcState{}, err
	}

	out := state
	out.NATBudget = new(big.Int).Set(state.NATBudget)
	out.Batches = append([]uint64(nil), state.Batches...)

	prev, err := reader.Get(ctx, out.Cursor)
	if err != nil {
		return CalcState{}, err
	}
	var prevPrev reqbook.Request
	if out.Cursor > 0 {
		prevPrev, err = reader.Get(ctx, out.Cursor-1)
		if err != nil {
			return CalcState{}, err
		}
	}
	prevExists := out.Cursor > lastFinalizedRequestID

	for examined := 0; examined < sharerate.MaxRequestsPerCall; examined++ {
		candidateID := out.Cursor + 1
		if candidateID > lastRequestID {
			out.Finished = true
			return out, nil
		}

		this, err := reader.Get(ctx, candidateID)
		if err != nil {
			return CalcState{}, err
		}
		if this.CreatedAt.After(maxTimestamp) {
			return out, nil
		}

		deltaSTK := new(big.Int).Sub(this.CumulativeSTK, prev.CumulativeSTK)
		deltaShares := new(big.Int).Sub(this.CumulativeShares, prev.CumulativeShares)
		requestRate, err := sharerate.Rate(deltaSTK, deltaShares)
		if err != nil {
			return CalcState{}, err
		}
		stkToLock, err := sharerate.CappedPayout(requestRate, deltaSTK, deltaShares, maxShareRate)
		if err != nil {
			return CalcState{}, err
		}

		if stkToLock.Cmp(out.NATBudget) > 0 {
			return out, nil
		}
		out.NATBudget.Sub(out.NATBudget, stkToLock)

		extend := false
		if len(out.Batches) > 0 {
			if prevExists {
				prevDeltaSTK := new(big.Int).Sub(prev.CumulativeSTK, prevPrev.CumulativeSTK)
				prevDeltaShares := new(big.Int).Sub(prev.CumulativeShares, prevPrev.CumulativeShares)
				prevRate, err := sharerate.Rate(prevDeltaSTK, prevDeltaShares)
				if err != nil {
					return CalcState{}, err
				}
				sameReportDay := prev.ReportAt.Equal(this.ReportAt)
				prevOver := sharerate.IsOverCap(prevRate, maxShareRate)
				thisOver := sharerate.IsOverCap(requestRate, maxShareRate)
				extend = sameReportDay || (!prevOver && !thisOver) || (prevOver && thisOver)
			}
		}

		if extend {
			out.Batches[len(out.Batches)-1] = candidateID
		} else {
			if len(out.Batches) >= sharerate.MaxBatches {
				return out, nil
			}
			out.Batches = append(out.Batches, candidateID)
		}

		prevPrev = prev
		prev = this
		prevExists = true
		out.Cursor = candidateID
	}

	if out.Cursor == lastRequestID {
		out.Finished = true
	}
	return out, nil
}
