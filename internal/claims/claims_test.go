package claims

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/minting"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/testutil"
)

type fakeStakes struct {
	mu     sync.Mutex
	staked map[string]bool
	prices map[string]uint64
}

func (f *fakeStakes) IsMinStaked(e string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staked[e]
}

func (f *fakeStakes) ExecutorPrice(e string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[e]
}

type fixture struct {
	reg    *Registry
	ledger *ledger.Ledger
	wl     *registry.Registry
	params *params.Params
	stakes *fakeStakes
	feed   *gasprice.Settable
	clock  *testutil.ManualClock
}

// Condition gas 1 + action gas 9 at price 1 with a 2x multiplier prices a
// deposit of 20, so deposits are easy to reason about.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := params.New(params.Values{Owner: "owner", MinProviderFunds: 10, GasMultiplierBps: 20_000})
	require.NoError(t, err)

	clk := testutil.NewManualClock(time.Time{})
	cat, err := plugin.BuildCatalog(plugin.NewMemoryWorld(clk),
		[]plugin.Spec{{Ref: "Cond", Kind: plugin.KindTimestamp, Gas: 1}},
		[]plugin.Spec{{Ref: "Act", Kind: plugin.KindNoop, Gas: 9}})
	require.NoError(t, err)

	f := &fixture{
		ledger: ledger.New(),
		wl:     registry.New(),
		params: p,
		stakes: &fakeStakes{staked: map[string]bool{"exec": true}, prices: map[string]uint64{}},
		feed:   gasprice.NewSettable(1),
		clock:  clk,
	}
	f.reg = New(Config{
		Ledger:     f.ledger,
		Whitelists: f.wl,
		Calculator: minting.New(p),
		Params:     p,
		Catalog:    cat,
		Feed:       f.feed,
		Stakes:     f.stakes,
	}, WithClock(clk), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err = f.wl.Whitelist("prov", "prov", registry.KindCondition, "Cond")
	require.NoError(t, err)
	_, err = f.wl.Whitelist("prov", "prov", registry.KindAction, "Act")
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(t *testing.T, amount uint64) {
	t.Helper()
	_, err := f.ledger.Credit(ledger.PoolProvider, "prov", amount)
	require.NoError(t, err)
}

func request() MintRequest {
	return MintRequest{
		Provider:  "prov",
		User:      "user",
		Condition: plugin.Call{Ref: "Cond", Payload: []byte(`{"timestamp":0}`)},
		Action:    plugin.Call{Ref: "Act"},
	}
}

func TestMint(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)

	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.ID)
	assert.Equal(t, StateMinted, c.State)
	assert.Equal(t, uint64(20), c.MintedDeposit)
	assert.Equal(t, uint64(1), c.GasPrice)
	assert.Equal(t, testutil.Epoch, c.MintedAt)
	assert.Len(t, c.Hash, 64)

	assert.Equal(t, uint64(80), f.ledger.Balance(ledger.PoolProvider, "prov"))
	assert.Equal(t, uint64(20), f.ledger.Balance(ledger.PoolEscrow, ledger.EscrowID(1)))

	got, err := f.reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	c2, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c2.ID)
	assert.NotEqual(t, c.Hash, c2.Hash)
}

func TestMint_ProviderFundsFloor(t *testing.T) {
	// 100 funds with a floor of 10: each mint must leave at least 10 behind.
	f := newFixture(t)
	f.fund(t, 100)

	f.feed.Set(3) // 10 gas * 3 * 2 = 60
	_, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, uint64(40), f.ledger.Balance(ledger.PoolProvider, "prov"))

	f.feed.Set(2) // 40 deposit leaves 0 < 10
	_, err = f.reg.Mint(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrInsufficientProviderFunds))
	assert.Equal(t, uint64(40), f.ledger.Balance(ledger.PoolProvider, "prov"))

	f.feed.Set(1) // 20 deposit leaves 20 >= 10
	_, err = f.reg.Mint(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), f.ledger.Balance(ledger.PoolProvider, "prov"))
}

func TestMint_ConcurrentProviderFundsFloor(t *testing.T) {
	// 100 funds, floor 10, deposit 60: only one mint fits.
	f := newFixture(t)
	f.fund(t, 100)
	f.feed.Set(3)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if _, err := f.reg.Mint(context.Background(), request()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, uint64(40), f.ledger.Balance(ledger.PoolProvider, "prov"))
	assert.Equal(t, uint64(60), f.ledger.Total(ledger.PoolEscrow))
	assert.Len(t, f.reg.List(Filter{State: StateMinted}), 1)
}

func TestMint_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MintRequest, *fixture)
		want   *fault.Error
	}{
		{"condition not whitelisted", func(r *MintRequest, _ *fixture) { r.Condition.Ref = "Other" }, fault.ErrNotWhitelisted},
		{"action not whitelisted", func(r *MintRequest, _ *fixture) { r.Action.Ref = "Other" }, fault.ErrNotWhitelisted},
		{"module not whitelisted", func(r *MintRequest, _ *fixture) { r.Module = "Module" }, fault.ErrNotWhitelisted},
		{"understaked executor", func(r *MintRequest, _ *fixture) { r.Executor = "weak" }, fault.ErrExecutorUnderstaked},
		{"no estimate", func(_ *MintRequest, f *fixture) { f.feed.Set(0) }, fault.ErrInvalidEstimate},
		{"missing user", func(r *MintRequest, _ *fixture) { r.User = "" }, fault.ErrInvalidArgument},
		{"past expiry", func(r *MintRequest, _ *fixture) {
			exp := testutil.Epoch
			r.Expiry = &exp
		}, fault.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, 1_000)
			req := request()
			tt.mutate(&req, f)

			_, err := f.reg.Mint(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, uint64(1_000), f.ledger.Balance(ledger.PoolProvider, "prov"))
			assert.Empty(t, f.reg.List(Filter{}))
		})
	}
}

func TestMint_UnknownPlugin(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	_, err := f.wl.Whitelist("prov", "prov", registry.KindCondition, "Ghost")
	require.NoError(t, err)

	req := request()
	req.Condition.Ref = "Ghost"
	_, err = f.reg.Mint(context.Background(), req)
	assert.True(t, errors.Is(err, fault.ErrUnknownPlugin))
}

func TestMint_ExecutorPriceRaisesDeposit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1_000)
	f.stakes.prices["exec"] = 5

	req := request()
	req.Executor = "exec"
	c, err := f.reg.Mint(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.GasPrice)
	assert.Equal(t, uint64(100), c.MintedDeposit)
	assert.Equal(t, 1, f.reg.LiveBoundCount("exec"))
}

func TestCancel_RoundTripRestoresFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)

	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)

	closed, err := f.reg.Cancel(context.Background(), c.ID, "user")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, closed.State)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, uint64(100), f.ledger.Balance(ledger.PoolProvider, "prov"))
	assert.Equal(t, uint64(0), f.ledger.Balance(ledger.PoolEscrow, ledger.EscrowID(c.ID)))

	// Terminal: second cancel is rejected and moves nothing
	_, err = f.reg.Cancel(context.Background(), c.ID, "user")
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, uint64(100), f.ledger.Balance(ledger.PoolProvider, "prov"))
}

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)

	_, err = f.reg.Cancel(context.Background(), c.ID, "stranger")
	assert.True(t, errors.Is(err, fault.ErrUnauthorized))

	got, err := f.reg.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateMinted, got.State)

	_, err = f.reg.Cancel(context.Background(), c.ID, "prov")
	require.NoError(t, err)
}

func TestCancel_AfterExpiryRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	req := request()
	exp := testutil.Epoch.Add(time.Hour)
	req.Expiry = &exp
	c, err := f.reg.Mint(context.Background(), req)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.reg.Cancel(context.Background(), c.ID, "user")
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	req := request()
	exp := testutil.Epoch.Add(time.Hour)
	req.Expiry = &exp
	req.Executor = "exec"
	c, err := f.reg.Mint(context.Background(), req)
	require.NoError(t, err)

	_, err = f.reg.Expire(context.Background(), c.ID)
	assert.True(t, errors.Is(err, fault.ErrInvalidState), "not yet expired")

	f.clock.Advance(time.Hour)
	closed, err := f.reg.Expire(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, closed.State)
	assert.Equal(t, uint64(100), f.ledger.Balance(ledger.PoolProvider, "prov"))
	assert.Equal(t, 0, f.reg.LiveBoundCount("exec"))

	// Idempotent in effect: the second call fails and moves nothing
	_, err = f.reg.Expire(context.Background(), c.ID)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, uint64(100), f.ledger.Balance(ledger.PoolProvider, "prov"))
}

func TestExpire_NoExpiry(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)

	_, err = f.reg.Expire(context.Background(), c.ID)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	_, err = f.reg.Expire(context.Background(), 99)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestFulfill(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)

	// A failing callback leaves the claim Minted
	boom := errors.New("boom")
	_, err = f.reg.Fulfill(context.Background(), c.ID, func(Claim) error { return boom })
	assert.ErrorIs(t, err, boom)
	got, _ := f.reg.Get(c.ID)
	assert.Equal(t, StateMinted, got.State)

	done, err := f.reg.Fulfill(context.Background(), c.ID, func(Claim) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, done.State)

	_, err = f.reg.Fulfill(context.Background(), c.ID, func(Claim) error {
		t.Fatal("callback must not run on a closed claim")
		return nil
	})
	assert.True(t, errors.Is(err, fault.ErrClaimNotActive))

	_, err = f.reg.Fulfill(context.Background(), 42, func(Claim) error { return nil })
	assert.True(t, errors.Is(err, fault.ErrClaimNotActive))
}

func TestConcurrentCloseExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)
	c, err := f.reg.Mint(context.Background(), request())
	require.NoError(t, err)

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.reg.Fulfill(context.Background(), c.ID, func(Claim) error { return nil })
			} else {
				_, err = f.reg.Cancel(context.Background(), c.ID, "user")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := f.reg.Get(c.ID)
	require.NoError(t, err)
	assert.True(t, got.State.Terminal())
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1_000)
	for i := 0; i < 3; i++ {
		_, err := f.reg.Mint(context.Background(), request())
		require.NoError(t, err)
	}
	_, err := f.reg.Cancel(context.Background(), 2, "user")
	require.NoError(t, err)

	minted := f.reg.List(Filter{State: StateMinted})
	require.Len(t, minted, 2)
	assert.Equal(t, uint64(1), minted[0].ID)
	assert.Equal(t, uint64(3), minted[1].ID)

	assert.Len(t, f.reg.List(Filter{Provider: "prov"}), 3)
	assert.Empty(t, f.reg.List(Filter{User: "nobody"}))
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1_000)
	req := request()
	req.Executor = "exec"
	for i := 0; i < 2; i++ {
		_, err := f.reg.Mint(context.Background(), req)
		require.NoError(t, err)
	}
	_, err := f.reg.Cancel(context.Background(), 1, "user")
	require.NoError(t, err)

	snap, last := f.reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(2), last)

	g := newFixture(t)
	require.NoError(t, g.reg.Restore(snap, last))
	assert.Equal(t, snap, g.reg.List(Filter{}))
	assert.Equal(t, 1, g.reg.LiveBoundCount("exec"))

	// Ids continue after the restored maximum
	g.fund(t, 1_000)
	c, err := g.reg.Mint(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.ID)
}

func TestStateTransitions(t *testing.T) {
	all := []State{StateMinted, StateExecuted, StateCancelled, StateExpired}
	for _, from := range all {
		for _, to := range all {
			want := from == StateMinted && to != StateMinted
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	s, err := ParseState("expired")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, s)
	_, err = ParseState("pending")
	assert.Error(t, err)
}

func TestSequence(t *testing.T) {
	s := NewSequenceAt(0)
	assert.Equal(t, uint64(1), s.Next())
	s.Advance(10)
	assert.Equal(t, uint64(11), s.Next())
	s.Advance(3)
	assert.Equal(t, uint64(11), s.Current())
}
