// Package calcdriver runs the off-chain batch calculator as a
// lease-guarded background loop: only the instance currently holding the
// named lease advances the shared CalcState, following the same
// single-active-coordinator shape the teacher uses for withdrawal
// finalization.
package calcdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nova-stake/withdrawal-queue/internal/artifacts"
	"github.com/nova-stake/withdrawal-queue/internal/batchcalc"
	"github.com/nova-stake/withdrawal-queue/internal/leases"
	"github.com/nova-stake/withdrawal-queue/internal/oraclereport"
)

var (
	ErrInvalidConfig = errors.New("calcdriver: invalid config")
	ErrNotLeader     = errors.New("calcdriver: not current leader")
)

const stateArtifactKey = "calcdriver/state.json"

// FrontierReader exposes the finalized frontier a fresh CalcState resumes
// from.
type FrontierReader interface {
	LastFinalizedRequestID(ctx context.Context) (uint64, error)
}

// Config configures a Driver.
type Config struct {
	Owner    string
	LeaseTTL time.Duration

	NATBudget    *big.Int
	MaxShareRate *big.Int

	OperatorAddresses []common.Address
	OperatorThreshold int
}

func (c Config) validate() error {
	if c.Owner == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease ttl must be > 0", ErrInvalidConfig)
	}
	if c.NATBudget == nil || c.NATBudget.Sign() <= 0 {
		return fmt.Errorf("%w: nat budget must be > 0", ErrInvalidConfig)
	}
	if c.MaxShareRate == nil || c.MaxShareRate.Sign() <= 0 {
		return fmt.Errorf("%w: max share rate must be > 0", ErrInvalidConfig)
	}
	return nil
}

const leaseName = "withdrawal-queue-calcdriver"

// leaderElector renews or acquires a single TTL lease, granting "current
// leader" status to at most one owner at a time.
type leaderElector struct {
	store leases.Store
	name  string
	owner string
	ttl   time.Duration
}

func newLeaderElector(store leases.Store, name, owner string, ttl time.Duration) (*leaderElector, error) {
	if store == nil || name == "" || owner == "" || ttl <= 0 {
		return nil, fmt.Errorf("%w: invalid leader elector config", ErrInvalidConfig)
	}
	return &leaderElector{store: store, name: name, owner: owner, ttl: ttl}, nil
}

func (l *leaderElector) tick(ctx context.Context) (bool, error) {
	if _, ok, err := l.store.Renew(ctx, l.name, l.owner, l.ttl); err == nil && ok {
		return true, nil
	}
	_, ok, err := l.store.TryAcquire(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Driver advances a shared batchcalc.CalcState one leadership tick at a
// time and authenticates the oracle reports built from a finished state.
type Driver struct {
	cfg Config

	requests batchcalc.RequestReader
	frontier FrontierReader

	artifacts artifacts.Store

	verifier *oraclereport.QuorumVerifier
	elector  *leaderElector

	log *slog.Logger
}

func New(cfg Config, requests batchcalc.RequestReader, frontier FrontierReader, leaseStore leases.Store, artifactStore artifacts.Store, log *slog.Logger) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if requests == nil || frontier == nil || leaseStore == nil || artifactStore == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	verifier, err := oraclereport.NewQuorumVerifier(cfg.OperatorAddresses, cfg.OperatorThreshold)
	if err != nil {
		return nil, err
	}
	elector, err := newLeaderElector(leaseStore, leaseName, cfg.Owner, cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:       cfg,
		requests:  requests,
		frontier:  frontier,
		artifacts: artifactStore,
		verifier:  verifier,
		elector:   elector,
		log:       log,
	}, nil
}

// Tick advances the calculation if this Driver currently holds the
// leadership lease, persisting the resulting CalcState as an artifact. It
// reports ErrNotLeader (not an error condition for the caller's loop) when
// leadership was not held this tick.
func (d *Driver) Tick(ctx context.Context, maxTimestamp time.Time) (batchcalc.CalcState, error) {
	isLeader, err := d.elector.tick(ctx)
	if err != nil {
		return batchcalc.CalcState{}, fmt.Errorf("calcdriver: leader tick: %w", err)
	}
	if !isLeader {
		return batchcalc.CalcState{}, ErrNotLeader
	}

	frontierID, err := d.frontier.LastFinalizedRequestID(ctx)
	if err != nil {
		return batchcalc.CalcState{}, err
	}

	state, err := d.loadOrInitState(ctx, frontierID)
	if err != nil {
		return batchcalc.CalcState{}, err
	}
	if state.Finished {
		return state, nil
	}

	next, err := batchcalc.Calculate(ctx, d.requests, frontierID, d.cfg.MaxShareRate, maxTimestamp, state)
	if err != nil {
		return batchcalc.CalcState{}, err
	}
	if err := d.saveState(ctx, next); err != nil {
		return batchcalc.CalcState{}, err
	}

	if next.Finished && len(next.Batches) > 0 {
		digest := batchcalc.BatchListDigestV1(next.Batches)
		d.log.Info("batch calculation finished",
			"batches", len(next.Batches),
			"cursor", next.Cursor,
			"digest", fmt.Sprintf("%x", digest),
		)
	}
	return next, nil
}

// Reset discards any persisted CalcState, starting the next Tick from the
// current finalized frontier. Call after a finalize commits the previous
// batch list.
func (d *Driver) Reset(ctx context.Context) error {
	return d.artifacts.Delete(ctx, stateArtifactKey)
}

func (d *Driver) loadOrInitState(ctx context.Context, frontierID uint64) (batchcalc.CalcState, error) {
	obj, err := d.artifacts.Get(ctx, stateArtifactKey)
	if errors.Is(err, artifacts.ErrNotFound) {
		return batchcalc.CalcState{NATBudget: new(big.Int).Set(d.cfg.NATBudget), Cursor: frontierID}, nil
	}
	if err != nil {
		return batchcalc.CalcState{}, err
	}
	var state batchcalc.CalcState
	if err := json.Unmarshal(obj.Data, &state); err != nil {
		return batchcalc.CalcState{}, fmt.Errorf("calcdriver: unmarshal state: %w", err)
	}
	return state, nil
}

func (d *Driver) saveState(ctx context.Context, state batchcalc.CalcState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("calcdriver: marshal state: %w", err)
	}
	return d.artifacts.Put(ctx, stateArtifactKey, b)
}

// VerifyReport authenticates an oracle-signed report against the
// configured operator committee, returning the distinct recovered signer
// addresses that met the threshold.
func (d *Driver) VerifyReport(r oraclereport.Report, sigs [][]byte) ([]common.Address, error) {
	return d.verifier.VerifyReportSignatures(r, sigs)
}
