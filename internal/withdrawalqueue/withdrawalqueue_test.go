package withdrawalqueue

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/authz"
	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/events"
	"github.com/nova-stake/withdrawal-queue/internal/natcustody"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/stktoken"
)

func newTestQueue(t *testing.T) (*Queue, *stktoken.Fake, *natcustody.Ledger, *authz.StaticRoles) {
	t.Helper()

	token, err := stktoken.NewFake(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	ledger := natcustody.NewLedger()
	roles := authz.NewStaticRoles()

	producer, err := events.NewProducer(events.ProducerConfig{Driver: events.DriverStdio, Writer: discardWriter{}})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	emitter, err := events.NewEmitter(producer)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	q, err := New(reqbook.NewMemoryStore(), checkpointhistory.NewMemoryStore(), token, ledger, roles, emitter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, token, ledger, roles
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

var one = big.NewInt(1)

func addrOf(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func TestQueue_EnqueueFinalizeClaim_NoDiscount(t *testing.T) {
	t.Parallel()

	q, token, ledger, roles := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1 := addrOf(1)
	token.Credit(u1, big.NewInt(1))
	roles.GrantFinalizer(addrOf(99))
	ledger.Deposit(big.NewInt(1))

	id, err := q.Enqueue(ctx, u1, big.NewInt(1), now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}

	maxRate := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	result, err := q.Finalize(ctx, addrOf(99), []uint64{1}, maxRate, one, now)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.NewLastFinalizedRequestID != 1 {
		t.Fatalf("unexpected frontier: %d", result.NewLastFinalizedRequestID)
	}

	hint, err := q.FindCheckpointHint(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("FindCheckpointHint: %v", err)
	}

	payout, err := q.Claim(ctx, 1, hint, u1, u1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if payout.Cmp(one) != 0 {
		t.Fatalf("expected payout 1, got %s", payout.String())
	}
	if q.LockedNAT().Sign() != 0 {
		t.Fatalf("expected locked_nat to return to zero, got %s", q.LockedNAT().String())
	}
}

func TestQueue_Finalize_RequiresRole(t *testing.T) {
	t.Parallel()

	q, token, _, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1 := addrOf(1)
	token.Credit(u1, big.NewInt(1))
	if _, err := q.Enqueue(ctx, u1, big.NewInt(1), now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	maxRate := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	if _, err := q.Finalize(ctx, addrOf(42), []uint64{1}, maxRate, one, now); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestQueue_Claim_WrongOwnerFails(t *testing.T) {
	t.Parallel()

	q, token, ledger, roles := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1, u2 := addrOf(1), addrOf(2)
	token.Credit(u1, big.NewInt(1))
	roles.GrantFinalizer(addrOf(99))
	ledger.Deposit(big.NewInt(1))

	if _, err := q.Enqueue(ctx, u1, big.NewInt(1), now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	maxRate := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	if _, err := q.Finalize(ctx, addrOf(99), []uint64{1}, maxRate, one, now); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := q.Claim(ctx, 1, 1, u2, u2); err == nil {
		t.Fatalf("expected wrong-owner claim to fail")
	}
}

type fakeScalarStore struct {
	state ScalarState
	saves int
}

func (f *fakeScalarStore) Load(context.Context) (ScalarState, error) {
	return f.state, nil
}

func (f *fakeScalarStore) Save(_ context.Context, state ScalarState) error {
	f.saves++
	f.state = state
	return nil
}

func TestQueue_ScalarStore_PersistsAcrossFinalizeAndClaim(t *testing.T) {
	t.Parallel()

	token, err := stktoken.NewFake(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	ledger := natcustody.NewLedger()
	roles := authz.NewStaticRoles()
	producer, err := events.NewProducer(events.ProducerConfig{Driver: events.DriverStdio, Writer: discardWriter{}})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	emitter, err := events.NewEmitter(producer)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	scalars := &fakeScalarStore{state: ScalarState{LockedNAT: new(big.Int)}}
	q, err := New(reqbook.NewMemoryStore(), checkpointhistory.NewMemoryStore(), token, ledger, roles, emitter, nil, WithScalarStore(scalars))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1 := addrOf(1)
	token.Credit(u1, big.NewInt(1))
	roles.GrantFinalizer(addrOf(99))
	ledger.Deposit(big.NewInt(1))

	if _, err := q.Enqueue(ctx, u1, big.NewInt(1), now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	maxRate := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	if _, err := q.Finalize(ctx, addrOf(99), []uint64{1}, maxRate, one, now); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if scalars.saves == 0 {
		t.Fatalf("expected Finalize to persist scalar state")
	}
	if scalars.state.LastFinalizedRequestID != 1 {
		t.Fatalf("expected persisted frontier 1, got %d", scalars.state.LastFinalizedRequestID)
	}

	hint, err := q.FindCheckpointHint(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("FindCheckpointHint: %v", err)
	}
	savesBeforeClaim := scalars.saves
	if _, err := q.Claim(ctx, 1, hint, u1, u1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if scalars.saves <= savesBeforeClaim {
		t.Fatalf("expected Claim to persist scalar state")
	}
	if scalars.state.LockedNAT.Sign() != 0 {
		t.Fatalf("expected persisted locked_nat to return to zero, got %s", scalars.state.LockedNAT.String())
	}
}

func TestQueue_New_RestoresScalarState(t *testing.T) {
	t.Parallel()

	token, err := stktoken.NewFake(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	ledger := natcustody.NewLedger()
	roles := authz.NewStaticRoles()
	producer, err := events.NewProducer(events.ProducerConfig{Driver: events.DriverStdio, Writer: discardWriter{}})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	emitter, err := events.NewEmitter(producer)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	scalars := &fakeScalarStore{state: ScalarState{
		LastFinalizedRequestID: 9,
		LockedNAT:              big.NewInt(500),
	}}
	q, err := New(reqbook.NewMemoryStore(), checkpointhistory.NewMemoryStore(), token, ledger, roles, emitter, nil, WithScalarStore(scalars))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frontier, err := q.LastFinalizedRequestID(context.Background())
	if err != nil {
		t.Fatalf("LastFinalizedRequestID: %v", err)
	}
	if frontier != 9 {
		t.Fatalf("expected restored frontier 9, got %d", frontier)
	}
	if q.LockedNAT().Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected restored locked_nat 500, got %s", q.LockedNAT().String())
	}
}

func TestQueue_Status(t *testing.T) {
	t.Parallel()

	q, token, _, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1 := addrOf(1)
	token.Credit(u1, big.NewInt(5))
	if _, err := q.Enqueue(ctx, u1, big.NewInt(5), now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st, err := q.Status(ctx, 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Finalized || st.Claimed {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.STK.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected stk: %s", st.STK.String())
	}
}
