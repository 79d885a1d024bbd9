// Package checkpointhistory implements the checkpoint discount history
// (component B): an append-only, 1-indexed sequence of discount caps
// applied to contiguous ranges of the request book.
package checkpointhistory

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

var (
	ErrInvalidConfig  = errors.New("checkpointhistory: invalid config")
	ErrNotFound       = errors.New("checkpointhistory: not found")
	ErrNotIncreasing  = errors.New("checkpointhistory: from_request_id must increase")
)

// Checkpoint is a discount record: requests from FromRequestID onward are
// capped at MaxShareRate until the next checkpoint's boundary.
type Checkpoint struct {
	FromRequestID uint64
	MaxShareRate  *big.Int
}

// Sentinel is the synthetic index-0 checkpoint: (0, UNLIMITED).
func Sentinel() Checkpoint {
	return Checkpoint{FromRequestID: 0, MaxShareRate: new(big.Int).Set(sharerate.Unlimited)}
}

func clone(c Checkpoint) Checkpoint {
	c.MaxShareRate = new(big.Int).Set(c.MaxShareRate)
	return c
}

// Store is the persistence boundary for the checkpoint history.
// Implementations must uphold invariant 4 of spec §3: strictly increasing
// FromRequestID.
type Store interface {
	// Append adds a new checkpoint and returns its 1-based index.
	Append(ctx context.Context, fromRequestID uint64, maxShareRate *big.Int) (uint64, error)

	// Get returns the checkpoint at index, or the sentinel for index==0.
	Get(ctx context.Context, index uint64) (Checkpoint, error)

	// Last returns last_checkpoint_index (0 if no checkpoint was ever written).
	Last(ctx context.Context) (uint64, error)
}

func validateAppend(fromRequestID uint64, maxShareRate *big.Int, lastFrom uint64) error {
	if maxShareRate == nil || maxShareRate.Sign() <= 0 {
		return fmt.Errorf("%w: max_share_rate must be > 0", ErrInvalidConfig)
	}
	if fromRequestID <= lastFrom {
		return fmt.Errorf("%w: %d <= %d", ErrNotIncreasing, fromRequestID, lastFrom)
	}
	return nil
}
