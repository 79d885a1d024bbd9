// Package withdrawalqueue is the aggregate root: it wires the
// request-book, checkpoint history, and the pure finalizer/claims
// algorithms to the external collaborators (STK token, NAT custody,
// authorisation, event emission) behind the seven operations of the
// external interface, executing each to completion under a single lock so
// every public call is atomic end to end.
package withdrawalqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/authz"
	"github.com/nova-stake/withdrawal-queue/internal/batchcalc"
	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/claims"
	"github.com/nova-stake/withdrawal-queue/internal/events"
	"github.com/nova-stake/withdrawal-queue/internal/finalizer"
	"github.com/nova-stake/withdrawal-queue/internal/natcustody"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/stktoken"
)

var (
	ErrInvalidConfig = errors.New("withdrawalqueue: invalid config")
	ErrForbidden     = authz.ErrForbidden
)

// Status is the read model returned by the status operation.
type Status struct {
	ID        uint64
	STK       *big.Int
	Shares    *big.Int
	Owner     [20]byte
	CreatedAt time.Time
	ReportAt  time.Time
	Finalized bool
	Claimed   bool
}

// ScalarStore persists the aggregate's scalar fields (finalized frontier,
// locked NAT, last report timestamp) across restarts. Optional: a Queue
// with no ScalarStore keeps this state in process memory only.
type ScalarStore interface {
	Load(ctx context.Context) (ScalarState, error)
	Save(ctx context.Context, state ScalarState) error
}

// ScalarState is the snapshot a ScalarStore persists.
type ScalarState struct {
	LastFinalizedRequestID uint64
	LockedNAT              *big.Int
	LastReportTimestamp    time.Time
}

// Option configures optional Queue collaborators.
type Option func(*Queue)

// WithScalarStore durably persists the aggregate's scalar fields after
// every mutating operation, and restores them at construction.
func WithScalarStore(store ScalarStore) Option {
	return func(q *Queue) { q.scalars = store }
}

// Queue is the aggregate root composing components A, B, D, and E behind
// the collaborator interfaces spec.md §6 fixes.
type Queue struct {
	mu sync.Mutex

	requests    reqbook.Store
	checkpoints checkpointhistory.Store

	token   stktoken.Token
	custody natcustody.Custody
	az      authz.Authorizer
	emitter *events.Emitter
	scalars ScalarStore

	log *slog.Logger

	lastFinalizedRequestID uint64
	lockedNAT              *big.Int
	lastReportTimestamp    time.Time
}

func New(requests reqbook.Store, checkpoints checkpointhistory.Store, token stktoken.Token, custody natcustody.Custody, az authz.Authorizer, emitter *events.Emitter, log *slog.Logger, opts ...Option) (*Queue, error) {
	if requests == nil || checkpoints == nil || token == nil || custody == nil || az == nil || emitter == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	q := &Queue{
		requests:    requests,
		checkpoints: checkpoints,
		token:       token,
		custody:     custody,
		az:          az,
		emitter:     emitter,
		log:         log,
		lockedNAT:   new(big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	if q.scalars != nil {
		state, err := q.scalars.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("withdrawalqueue: load scalar state: %w", err)
		}
		q.lastFinalizedRequestID = state.LastFinalizedRequestID
		if state.LockedNAT != nil {
			q.lockedNAT = state.LockedNAT
		}
		q.lastReportTimestamp = state.LastReportTimestamp
	}
	return q, nil
}

// persistScalars saves the current scalar state if a ScalarStore is
// configured. Called with q.mu held; logs rather than fails the caller on
// a persistence error, since the in-memory state is already authoritative
// for this process's lifetime.
func (q *Queue) persistScalars(ctx context.Context) {
	if q.scalars == nil {
		return
	}
	err := q.scalars.Save(ctx, ScalarState{
		LastFinalizedRequestID: q.lastFinalizedRequestID,
		LockedNAT:              new(big.Int).Set(q.lockedNAT),
		LastReportTimestamp:    q.lastReportTimestamp,
	})
	if err != nil {
		q.log.Error("persist scalar state", "err", err)
	}
}

// LastFinalizedRequestID satisfies calcdriver.FrontierReader.
func (q *Queue) LastFinalizedRequestID(context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFinalizedRequestID, nil
}

// LockedNAT returns the current locked_nat scalar.
func (q *Queue) LockedNAT() *big.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return new(big.Int).Set(q.lockedNAT)
}

// Enqueue surrenders stk STK from owner into custody and appends a new
// request, reportAt recording the queue's last observed oracle report.
func (q *Queue) Enqueue(ctx context.Context, owner [20]byte, stk *big.Int, now time.Time) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	shares, err := q.token.TransferToCustody(ctx, owner, stk)
	if err != nil {
		return 0, fmt.Errorf("withdrawalqueue: transfer to custody: %w", err)
	}

	req, err := q.requests.Append(ctx, owner, stk, shares, now, q.lastReportTimestamp)
	if err != nil {
		return 0, err
	}

	if err := q.emitter.WithdrawalRequested(ctx, events.WithdrawalRequested{
		ID:       req.ID,
		Owner:    fmt.Sprintf("0x%x", owner),
		STK:      stk.String(),
		Shares:   shares.String(),
		ReportAt: req.ReportAt,
	}); err != nil {
		q.log.Warn("emit withdrawal requested", "err", err, "id", req.ID)
	}

	q.log.Info("withdrawal enqueued", "id", req.ID, "stk", stk.String(), "shares", shares.String())
	return req.ID, nil
}

// ObserveReport records the oracle's most recent report timestamp, used to
// group subsequent enqueues (spec.md §6's "From the oracle" collaborator
// contract). It does not itself finalize anything.
func (q *Queue) ObserveReport(reportAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if reportAt.After(q.lastReportTimestamp) {
		q.lastReportTimestamp = reportAt
		q.persistScalars(context.Background())
	}
}

// CalculateFinalizationBatches is a thin, read-only pass-through to the
// batch calculator over this queue's own request book.
func (q *Queue) CalculateFinalizationBatches(ctx context.Context, maxShareRate *big.Int, maxTimestamp time.Time, state batchcalc.CalcState) (batchcalc.CalcState, error) {
	q.mu.Lock()
	frontier := q.lastFinalizedRequestID
	q.mu.Unlock()
	return batchcalc.Calculate(ctx, q.requests, frontier, maxShareRate, maxTimestamp, state)
}

// Prefinalize is a thin, read-only pass-through to the finalizer's
// pre-flight recomputation.
func (q *Queue) Prefinalize(ctx context.Context, batches []uint64, maxShareRate *big.Int) (finalizer.PrefinalizeResult, error) {
	q.mu.Lock()
	frontier := q.lastFinalizedRequestID
	q.mu.Unlock()
	return finalizer.Prefinalize(ctx, q.requests, frontier, batches, maxShareRate)
}

// Finalize authenticates the caller, advances the finalized frontier,
// burns the redeemed shares, and emits the batch-finalized signal.
func (q *Queue) Finalize(ctx context.Context, caller [20]byte, batches []uint64, maxShareRate, amountSent *big.Int, now time.Time) (finalizer.Result, error) {
	ok, err := q.az.CanFinalize(ctx, caller)
	if err != nil {
		return finalizer.Result{}, err
	}
	if !ok {
		return finalizer.Result{}, ErrForbidden
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lastRequestID, err := q.requests.Last(ctx)
	if err != nil {
		return finalizer.Result{}, err
	}
	lastCheckpointIndex, err := q.checkpoints.Last(ctx)
	if err != nil {
		return finalizer.Result{}, err
	}
	lastCheckpoint, err := q.checkpoints.Get(ctx, lastCheckpointIndex)
	if err != nil {
		return finalizer.Result{}, err
	}

	result, err := finalizer.Finalize(ctx, q.requests, q.lastFinalizedRequestID, lastRequestID, batches, maxShareRate, amountSent, lastCheckpoint)
	if err != nil {
		return finalizer.Result{}, err
	}

	if fromID, ok := result.CheckpointFromRequestID(); ok {
		if _, err := q.checkpoints.Append(ctx, fromID, result.CheckpointMaxShareRate()); err != nil {
			return finalizer.Result{}, err
		}
	}
	if err := q.token.Burn(ctx, result.SharesBurned); err != nil {
		return finalizer.Result{}, fmt.Errorf("withdrawalqueue: burn shares: %w", err)
	}

	startID := q.lastFinalizedRequestID + 1
	q.lastFinalizedRequestID = result.NewLastFinalizedRequestID
	q.lockedNAT = new(big.Int).Add(q.lockedNAT, amountSent)
	q.persistScalars(ctx)

	if err := q.emitter.WithdrawalBatchFinalized(ctx, events.WithdrawalBatchFinalized{
		FromID:       startID,
		ToID:         result.NewLastFinalizedRequestID,
		NATLocked:    amountSent.String(),
		SharesBurned: result.SharesBurned.String(),
		Timestamp:    now,
	}); err != nil {
		q.log.Warn("emit batch finalized", "err", err)
	}

	q.log.Info("batch finalized", "from", startID, "to", result.NewLastFinalizedRequestID, "nat_locked", amountSent.String())
	return result, nil
}

// FindCheckpointHint is a thin, read-only pass-through to the claim
// resolver's binary search.
func (q *Queue) FindCheckpointHint(ctx context.Context, requestID, start, end uint64) (uint64, error) {
	return claims.FindCheckpointHint(ctx, q.checkpoints, requestID, start, end)
}

// Claim validates and resolves request id's payout, moving custodied NAT
// to recipient. The NAT transfer is attempted before any store mutation so
// a refused or failed transfer leaves no partially-claimed state behind.
func (q *Queue) Claim(ctx context.Context, requestID, hint uint64, caller, recipient [20]byte) (*big.Int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := claims.Claim(ctx, q.requests, q.checkpoints, requestID, q.lastFinalizedRequestID, hint, caller)
	if err != nil {
		return nil, err
	}

	if err := q.custody.Transfer(ctx, recipient, result.Payout); err != nil {
		return nil, fmt.Errorf("withdrawalqueue: transfer payout: %w", err)
	}

	if err := q.requests.MarkClaimed(ctx, requestID); err != nil {
		return nil, err
	}
	q.lockedNAT = new(big.Int).Sub(q.lockedNAT, result.Payout)
	q.persistScalars(ctx)

	if err := q.emitter.WithdrawalClaimed(ctx, events.WithdrawalClaimed{
		ID:        requestID,
		Owner:     fmt.Sprintf("0x%x", caller),
		Recipient: fmt.Sprintf("0x%x", recipient),
		NATAmount: result.Payout.String(),
	}); err != nil {
		q.log.Warn("emit withdrawal claimed", "err", err, "id", requestID)
	}

	q.log.Info("withdrawal claimed", "id", requestID, "payout", result.Payout.String())
	return result.Payout, nil
}

// Status returns the read model for a single request.
func (q *Queue) Status(ctx context.Context, requestID uint64) (Status, error) {
	q.mu.Lock()
	frontier := q.lastFinalizedRequestID
	q.mu.Unlock()

	req, err := q.requests.Get(ctx, requestID)
	if err != nil {
		return Status{}, err
	}
	if requestID == 0 {
		return Status{}, reqbook.ErrNotFound
	}

	prev, err := q.requests.Get(ctx, requestID-1)
	if err != nil {
		return Status{}, err
	}

	return Status{
		ID:        req.ID,
		STK:       new(big.Int).Sub(req.CumulativeSTK, prev.CumulativeSTK),
		Shares:    new(big.Int).Sub(req.CumulativeShares, prev.CumulativeShares),
		Owner:     req.Owner,
		CreatedAt: req.CreatedAt,
		ReportAt:  req.ReportAt,
		Finalized: requestID <= frontier,
		Claimed:   req.Claimed,
	}, nil
}
