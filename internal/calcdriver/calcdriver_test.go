package calcdriver

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nova-stake/withdrawal-queue/internal/artifacts"
	"github.com/nova-stake/withdrawal-queue/internal/leases"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
)

type fakeRequests struct {
	rows []reqbook.Request
}

func (f *fakeRequests) Get(_ context.Context, id uint64) (reqbook.Request, error) {
	if id == 0 {
		return reqbook.Sentinel(), nil
	}
	if id > uint64(len(f.rows)) {
		return reqbook.Request{}, reqbook.ErrNotFound
	}
	return f.rows[id-1], nil
}

func (f *fakeRequests) Last(_ context.Context) (uint64, error) {
	return uint64(len(f.rows)), nil
}

func buildFakeRequests(n int, stkEach int64, when time.Time) *fakeRequests {
	f := &fakeRequests{}
	cumSTK, cumShares := new(big.Int), new(big.Int)
	for i := 1; i <= n; i++ {
		cumSTK = new(big.Int).Add(cumSTK, big.NewInt(stkEach))
		cumShares = new(big.Int).Add(cumShares, big.NewInt(stkEach))
		f.rows = append(f.rows, reqbook.Request{
			ID:               uint64(i),
			CumulativeSTK:    new(big.Int).Set(cumSTK),
			CumulativeShares: new(big.Int).Set(cumShares),
			CreatedAt:        when,
			ReportAt:         when,
		})
	}
	return f
}

type zeroFrontier struct{}

func (zeroFrontier) LastFinalizedRequestID(context.Context) (uint64, error) { return 0, nil }

func testConfig() Config {
	return Config{
		Owner:             "driver-a",
		LeaseTTL:          10 * time.Second,
		NATBudget:         big.NewInt(1_000_000),
		MaxShareRate:      new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil),
		OperatorAddresses: []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")},
		OperatorThreshold: 1,
	}
}

func TestDriver_Tick_SingleLeaderAdvancesState(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	requests := buildFakeRequests(3, 100, when)

	now := when
	ls := leases.NewMemoryStore(func() time.Time { return now })
	store, err := artifacts.New(artifacts.Config{Driver: artifacts.DriverMemory})
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}

	d, err := New(testConfig(), requests, zeroFrontier{}, ls, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state, err := d.Tick(context.Background(), when.Add(time.Hour))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !state.Finished {
		t.Fatalf("expected calculation to finish, got %+v", state)
	}
	if len(state.Batches) == 0 {
		t.Fatalf("expected at least one batch")
	}
}

func TestDriver_Tick_NonLeaderIsSkipped(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	requests := buildFakeRequests(1, 100, when)

	now := when
	ls := leases.NewMemoryStore(func() time.Time { return now })
	store, err := artifacts.New(artifacts.Config{Driver: artifacts.DriverMemory})
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}

	cfgA := testConfig()
	cfgB := testConfig()
	cfgB.Owner = "driver-b"

	a, err := New(cfgA, requests, zeroFrontier{}, ls, store, nil)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(cfgB, requests, zeroFrontier{}, ls, store, nil)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	if _, err := a.Tick(context.Background(), when.Add(time.Hour)); err != nil {
		t.Fatalf("a.Tick: %v", err)
	}
	if _, err := b.Tick(context.Background(), when.Add(time.Hour)); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader for b, got %v", err)
	}
}

func TestDriver_Reset_ClearsPersistedState(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	requests := buildFakeRequests(1, 100, when)

	now := when
	ls := leases.NewMemoryStore(func() time.Time { return now })
	store, err := artifacts.New(artifacts.Config{Driver: artifacts.DriverMemory})
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}

	d, err := New(testConfig(), requests, zeroFrontier{}, ls, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Tick(context.Background(), when.Add(time.Hour)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), stateArtifactKey); ok {
		t.Fatalf("expected state artifact to be removed")
	}
}
