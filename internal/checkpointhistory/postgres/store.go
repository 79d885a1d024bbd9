// Package postgres is the durable checkpointhistory.Store, persisted
// under the "checkpoints/" namespace of spec §6.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
)

var ErrInvalidConfig = errors.New("checkpointhistory/postgres: invalid config")

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
		return fmt.Errorf("checkpointhistory/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, fromRequestID uint64, maxShareRate *big.Int) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if maxShareRate == nil || maxShareRate.Sign() <= 0 {
		return 0, fmt.Errorf("%w: max_share_rate must be > 0", checkpointhistory.ErrInvalidConfig)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpointhistory/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		lastIndex uint64
		lastFrom  uint64
	)
	err = tx.QueryRow(ctx, `
		SELECT index, from_request_id FROM checkpoint_history ORDER BY index DESC LIMIT 1
	`).Scan(&lastIndex, &lastFrom)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("checkpointhistory/postgres: load last checkpoint: %w", err)
	}

	if fromRequestID <= lastFrom {
		return 0, fmt.Errorf("%w: %d <= %d", checkpointhistory.ErrNotIncreasing, fromRequestID, lastFrom)
	}

	newIndex := lastIndex + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoint_history (index, from_request_id, max_share_rate)
		VALUES ($1, $2, $3)
	`, newIndex, fromRequestID, maxShareRate.String())
	if err != nil {
		return 0, fmt.Errorf("checkpointhistory/postgres: insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("checkpointhistory/postgres: commit: %w", err)
	}
	return newIndex, nil
}

func (s *Store) Get(ctx context.Context, index uint64) (checkpointhistory.Checkpoint, error) {
	if s == nil || s.pool == nil {
		return checkpointhistory.Checkpoint{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if index == 0 {
		return checkpointhistory.Sentinel(), nil
	}

	var (
		fromID uint64
		rate   string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT from_request_id, max_share_rate FROM checkpoint_history WHERE index = $1
	`, index).Scan(&fromID, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpointhistory.Checkpoint{}, checkpointhistory.ErrNotFound
	}
	if err != nil {
		return checkpointhistory.Checkpoint{}, fmt.Errorf("checkpointhistory/postgres: get checkpoint %d: %w", index, err)
	}

	cp := checkpointhistory.Checkpoint{FromRequestID: fromID}
	cp.MaxShareRate, _ = new(big.Int).SetString(rate, 10)
	return cp, nil
}

func (s *Store) Last(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var idx uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(index), 0) FROM checkpoint_history`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("checkpointhistory/postgres: last checkpoint index: %w", err)
	}
	return idx, nil
}
