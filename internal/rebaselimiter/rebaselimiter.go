// Package rebaselimiter implements the rebase limiter: a small stateful
// guard, adjacent to but independent of the withdrawal queue core, that
// caps how much the post-finalization share rate may grow in a single
// report relative to its pre-finalization value.
package rebaselimiter

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
)

var (
	ErrInvalidConfig = errors.New("rebaselimiter: invalid config")
)

// State is the rebase limiter's full state (spec's adjacent module).
type State struct {
	PreTotalPooled  *big.Int
	PreTotalShares  *big.Int
	PostTotalPooled *big.Int
	RebaseLimit     *big.Int
}

// Init constructs a limiter state from the pool totals observed just
// before a report is applied. rebaseLimit must lie in (0, UNLIMITED].
func Init(rebaseLimit, preTotalPooled, preTotalShares *big.Int) (State, error) {
	if rebaseLimit == nil || rebaseLimit.Sign() <= 0 || rebaseLimit.Cmp(sharerate.Unlimited) > 0 {
		return State{}, fmt.Errorf("%w: rebase_limit must be in (0, UNLIMITED]", ErrInvalidConfig)
	}
	if preTotalPooled == nil || preTotalPooled.Sign() < 0 {
		return State{}, fmt.Errorf("%w: pre_total_pooled must be >= 0", ErrInvalidConfig)
	}
	if preTotalShares == nil || preTotalShares.Sign() <= 0 {
		return State{}, fmt.Errorf("%w: pre_total_shares must be > 0", ErrInvalidConfig)
	}
	return State{
		PreTotalPooled:  new(big.Int).Set(preTotalPooled),
		PreTotalShares:  new(big.Int).Set(preTotalShares),
		PostTotalPooled: new(big.Int).Set(preTotalPooled),
		RebaseLimit:     new(big.Int).Set(rebaseLimit),
	}, nil
}

// maxPostPooled returns the largest post_total_pooled value that keeps
// the post/pre share-rate growth within RebaseLimit:
// max_post = pre_total_pooled * rebase_limit / E27.
func (s State) maxPostPooled() (*big.Int, error) {
	return sharerate.MulDivFloor(s.PreTotalPooled, s.RebaseLimit, sharerate.E27)
}

// RaiseLimit decreases post_total_pooled: a withdrawal leaving the pool
// creates headroom for subsequent consumption.
func (s State) RaiseLimit(amount *big.Int) (State, error) {
	if amount == nil || amount.Sign() < 0 {
		return State{}, fmt.Errorf("%w: amount must be >= 0", ErrInvalidConfig)
	}
	out := s
	out.PostTotalPooled = new(big.Int).Sub(s.PostTotalPooled, amount)
	if out.PostTotalPooled.Sign() < 0 {
		out.PostTotalPooled = new(big.Int)
	}
	return out, nil
}

// ConsumeLimit increases post_total_pooled by amount, capped so that
// post/pre share-rate growth never exceeds RebaseLimit. It returns the
// updated state and the amount actually consumed (<= amount).
func (s State) ConsumeLimit(amount *big.Int) (State, *big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return State{}, nil, fmt.Errorf("%w: amount must be >= 0", ErrInvalidConfig)
	}
	maxPost, err := s.maxPostPooled()
	if err != nil {
		return State{}, nil, err
	}

	headroom := new(big.Int).Sub(maxPost, s.PostTotalPooled)
	if headroom.Sign() < 0 {
		headroom = new(big.Int)
	}

	consumed := new(big.Int).Set(amount)
	if consumed.Cmp(headroom) > 0 {
		consumed = headroom
	}

	out := s
	out.PostTotalPooled = new(big.Int).Add(s.PostTotalPooled, consumed)
	return out, consumed, nil
}

// IsLimitReached reports whether no further consumption headroom remains.
func (s State) IsLimitReached() (bool, error) {
	maxPost, err := s.maxPostPooled()
	if err != nil {
		return false, err
	}
	return s.PostTotalPooled.Cmp(maxPost) >= 0, nil
}

// SharesToBurnLimit converts the remaining consumption headroom into an
// equivalent share amount at the pre-report share rate, the maximum
// number of shares that may still be burned this report without
// breaching RebaseLimit.
func (s State) SharesToBurnLimit() (*big.Int, error) {
	maxPost, err := s.maxPostPooled()
	if err != nil {
		return nil, err
	}
	headroom := new(big.Int).Sub(maxPost, s.PostTotalPooled)
	if headroom.Sign() <= 0 {
		return new(big.Int), nil
	}
	return sharerate.MulDivFloor(headroom, s.PreTotalShares, s.PreTotalPooled)
}
