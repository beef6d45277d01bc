package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
)

func countEvents(t *testing.T, s *Store, kind engine.EventKind) int {
	t.Helper()
	events, err := s.ReadEvents(context.Background(), EventQuery{})
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func readBalance(t *testing.T, s *Store, pool ledger.Pool, id string) uint64 {
	t.Helper()
	bal, err := s.ReadBalance(context.Background(), pool, id)
	require.NoError(t, err)
	return bal
}

// Two processes racing to execute one claim: the second session starts only
// after the first commits, restores the executed claim and is refused.
func TestSession_SerializesRacingExecutes(t *testing.T) {
	s1, s2 := openShared(t)
	ctx := context.Background()
	id := seedMintedClaim(t, s1)

	se1, err := s1.Begin(ctx)
	require.NoError(t, err)

	type begun struct {
		se  *Session
		err error
	}
	second := make(chan begun, 1)
	go func() {
		se, err := s2.Begin(ctx)
		second <- begun{se, err}
	}()

	c1 := restoreCore(t, se1, se1.Load, "p1")
	settled, err := c1.Execute(ctx, id, "e1")
	require.NoError(t, err)
	require.NoError(t, se1.Commit())

	b := <-second
	require.NoError(t, b.err)
	c2 := restoreCore(t, b.se, b.se.Load, "p2")
	_, err = c2.Execute(ctx, id, "e2")
	assert.ErrorIs(t, err, fault.ErrClaimNotActive)
	require.NoError(t, b.se.Commit())

	assert.Equal(t, 10+settled.Reward, readBalance(t, s1, ledger.PoolExecutor, "e1"))
	assert.Equal(t, uint64(10), readBalance(t, s1, ledger.PoolExecutor, "e2"))
	assert.Equal(t, uint64(0), readBalance(t, s1, ledger.PoolEscrow, ledger.EscrowID(id)))
	assert.Equal(t, 1, countEvents(t, s1, engine.EventClaimExecuted))
}

// A Core restored before another process wrote cannot journal over it.
func TestAppend_StaleCoreConflicts(t *testing.T) {
	s1, s2 := openShared(t)
	ctx := context.Background()
	id := seedMintedClaim(t, s1)

	c1 := restoreCore(t, s1, s1.Load, "p1")
	c2 := restoreCore(t, s2, s2.Load, "p2")

	_, err := c1.Execute(ctx, id, "e1")
	require.NoError(t, err)
	// c2 still sees the claim as minted; its journal append must fail.
	_, err = c2.Execute(ctx, id, "e2")
	require.NoError(t, err)

	assert.Equal(t, uint64(10), readBalance(t, s1, ledger.PoolExecutor, "e2"))
	assert.Equal(t, 1, countEvents(t, s1, engine.EventClaimExecuted))
}

func TestSession_FailedAppendRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	se, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, se.Append(ctx, engine.Event{ID: "a", Seq: 1, Kind: engine.EventStaked, At: time.Unix(0, 0)},
		engine.Changes{Balances: []ledger.Entry{{Key: ledger.Key{Pool: ledger.PoolExecutor, ID: "exec"}, Balance: 10}}}))
	err = se.Append(ctx, engine.Event{ID: "b", Seq: 1, Kind: engine.EventStaked, At: time.Unix(0, 0)}, engine.Changes{})
	require.ErrorIs(t, err, ErrSeqConflict)
	require.Error(t, se.Err())

	err = se.Commit()
	require.ErrorIs(t, err, ErrSeqConflict)

	assert.Equal(t, uint64(0), readBalance(t, s, ledger.PoolExecutor, "exec"))
	assert.Equal(t, 0, countEvents(t, s, engine.EventStaked))
}

func TestSession_ReadOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedMintedClaim(t, s)

	se, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer se.Rollback()

	snap, err := se.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Claims, 1)

	err = se.Append(ctx, engine.Event{ID: "x", Seq: 99, Kind: engine.EventStaked}, engine.Changes{})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestLease_BlocksWriteSessions(t *testing.T) {
	s1, s2 := openShared(t)
	ctx := context.Background()

	lease, err := s1.AcquireLease(ctx, "serve-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "serve-1", lease.Holder())

	_, err = s2.Begin(ctx)
	var le *LeaseError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "serve-1", le.Holder)

	_, err = s2.AcquireLease(ctx, "serve-2", time.Minute)
	require.ErrorAs(t, err, &le)

	// Reads are not blocked by the lease.
	rd, err := s2.BeginRead(ctx)
	require.NoError(t, err)
	require.NoError(t, rd.Rollback())

	// The holder may re-acquire its own lease.
	_, err = s1.AcquireLease(ctx, "serve-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))

	se, err := s2.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, se.Commit())
}

func TestLease_ExpiredLeaseIsTakenOver(t *testing.T) {
	s1, s2 := openShared(t)
	ctx := context.Background()

	stale, err := s1.AcquireLease(ctx, "serve-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	se, err := s2.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, se.Rollback())

	fresh, err := s2.AcquireLease(ctx, "serve-2", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Renew(ctx), ErrLeaseLost)
	require.NoError(t, stale.Release(ctx))
	require.NoError(t, fresh.Renew(ctx))
}

func TestLease_ExpiredLeaseCannotBeRenewed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	lease, err := s.AcquireLease(ctx, "serve-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, lease.Renew(ctx), ErrLeaseLost)
}

func TestLease_RequiresHolder(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AcquireLease(context.Background(), "", time.Minute)
	assert.Error(t, err)
}
