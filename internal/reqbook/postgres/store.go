// Package postgres is the durable reqbook.Store, persisted under the
// "queue/" namespace of spec §6.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
)

var ErrInvalidConfig = errors.New("reqbook/postgres: invalid config")

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
		return fmt.Errorf("reqbook/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, owner [20]byte, stk, shares *big.Int, createdAt, reportAt time.Time) (reqbook.Request, error) {
	if s == nil || s.pool == nil {
		return reqbook.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if stk == nil || shares == nil || stk.Sign() <= 0 || shares.Sign() <= 0 {
		return reqbook.Request{}, fmt.Errorf("%w: stk and shares must be > 0", reqbook.ErrInvalidConfig)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return reqbook.Request{}, fmt.Errorf("reqbook/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		lastID    uint64
		lastSTK   string
		lastShare string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, cumulative_stk, cumulative_shares
		FROM request_book
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&lastID, &lastSTK, &lastShare)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return reqbook.Request{}, fmt.Errorf("reqbook/postgres: load last request: %w", err)
	}

	prevSTK, prevShares := new(big.Int), new(big.Int)
	if err == nil {
		if _, ok := prevSTK.SetString(lastSTK, 10); !ok {
			return reqbook.Request{}, fmt.Errorf("reqbook/postgres: corrupt cumulative_stk %q", lastSTK)
		}
		if _, ok := prevShares.SetString(lastShare, 10); !ok {
			return reqbook.Request{}, fmt.Errorf("reqbook/postgres: corrupt cumulative_shares %q", lastShare)
		}
	}

	req := reqbook.Request{
		ID:               lastID + 1,
		CumulativeSTK:    new(big.Int).Add(prevSTK, stk),
		CumulativeShares: new(big.Int).Add(prevShares, shares),
		Owner:            owner,
		CreatedAt:        createdAt,
		ReportAt:         reportAt,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO request_book (id, cumulative_stk, cumulative_shares, owner, created_at, report_at, claimed)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`, req.ID, req.CumulativeSTK.String(), req.CumulativeShares.String(), owner[:], createdAt, reportAt)
	if err != nil {
		return reqbook.Request{}, fmt.Errorf("reqbook/postgres: insert request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return reqbook.Request{}, fmt.Errorf("reqbook/postgres: commit: %w", err)
	}
	return req, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (reqbook.Request, error) {
	if s == nil || s.pool == nil {
		return reqbook.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == 0 {
		return reqbook.Sentinel(), nil
	}

	var (
		stk, shares string
		ownerRaw    []byte
		createdAt   time.Time
		reportAt    time.Time
		claimed     bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT cumulative_stk, cumulative_shares, owner, created_at, report_at, claimed
		FROM request_book WHERE id = $1
	`, id).Scan(&stk, &shares, &ownerRaw, &createdAt, &reportAt, &claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return reqbook.Request{}, reqbook.ErrNotFound
	}
	if err != nil {
		return reqbook.Request{}, fmt.Errorf("reqbook/postgres: get request %d: %w", id, err)
	}

	req := reqbook.Request{ID: id, CreatedAt: createdAt, ReportAt: reportAt, Claimed: claimed}
	req.CumulativeSTK, _ = new(big.Int).SetString(stk, 10)
	req.CumulativeShares, _ = new(big.Int).SetString(shares, 10)
	copy(req.Owner[:], ownerRaw)
	return req, nil
}

func (s *Store) Last(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var id uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM request_book`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reqbook/postgres: last request id: %w", err)
	}
	return id, nil
}

func (s *Store) OwnerRequestIDs(ctx context.Context, owner [20]byte) ([]uint64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM request_book WHERE owner = $1 AND NOT claimed ORDER BY id ASC
	`, owner[:])
	if err != nil {
		return nil, fmt.Errorf("reqbook/postgres: owner request ids: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reqbook/postgres: scan owner request id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) MarkClaimed(ctx context.Context, id uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE request_book SET claimed = true WHERE id = $1 AND NOT claimed
	`, id)
	if err != nil {
		return fmt.Errorf("reqbook/postgres: mark claimed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM request_book WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("reqbook/postgres: check existence: %w", err)
	}
	if !exists {
		return reqbook.ErrNotFound
	}
	return reqbook.ErrAlreadyClaimed
}
