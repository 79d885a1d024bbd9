// Package postgres persists the withdrawal queue aggregate's scalar
// state — the finalized frontier, locked NAT, and last observed report
// timestamp — across a single-row table, the same pattern
// internal/leases/postgres uses for its own small scalar records.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("withdrawalqueue/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdrawal_queue_scalars (
	id BIGINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	last_finalized_request_id BIGINT NOT NULL DEFAULT 0,
	locked_nat NUMERIC NOT NULL DEFAULT 0,
	last_report_timestamp TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// State is the aggregate's persisted scalar snapshot.
type State struct {
	LastFinalizedRequestID uint64
	LockedNAT              *big.Int
	LastReportTimestamp    time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("withdrawalqueue/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load returns the persisted scalar state, or the zero state if this is
// the aggregate's first run.
func (s *Store) Load(ctx context.Context) (State, error) {
	if s == nil || s.pool == nil {
		return State{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		lastFinalized uint64
		lockedNAT     string
		lastReport    time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT last_finalized_request_id, locked_nat::text, last_report_timestamp
		FROM withdrawal_queue_scalars WHERE id = 1
	`).Scan(&lastFinalized, &lockedNAT, &lastReport)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{LockedNAT: new(big.Int)}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("withdrawalqueue/postgres: load: %w", err)
	}

	locked, ok := new(big.Int).SetString(lockedNAT, 10)
	if !ok {
		return State{}, fmt.Errorf("withdrawalqueue/postgres: malformed locked_nat %q", lockedNAT)
	}
	return State{
		LastFinalizedRequestID: lastFinalized,
		LockedNAT:              locked,
		LastReportTimestamp:    lastReport,
	}, nil
}

// Save upserts the aggregate's current scalar state.
func (s *Store) Save(ctx context.Context, state State) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	locked := state.LockedNAT
	if locked == nil {
		locked = new(big.Int)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_queue_scalars (id, last_finalized_request_id, locked_nat, last_report_timestamp, updated_at)
		VALUES (1, $1, $2::numeric, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET last_finalized_request_id = EXCLUDED.last_finalized_request_id,
			locked_nat = EXCLUDED.locked_nat,
			last_report_timestamp = EXCLUDED.last_report_timestamp,
			updated_at = now()
	`, state.LastFinalizedRequestID, locked.String(), state.LastReportTimestamp)
	if err != nil {
		return fmt.Errorf("withdrawalqueue/postgres: save: %w", err)
	}
	return nil
}
