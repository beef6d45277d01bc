package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/gate"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/minting"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/stake"
)

// Observer receives operation outcomes. Implemented by the metrics package.
type Observer interface {
	Committed(kind EventKind)
	Rejected(op string, code fault.Code)
	Verdict(v gate.Verdict)
	Settled(s gate.Settlement)
	JournalFailed()
}

type nopObserver struct{}

func (nopObserver) Committed(EventKind)         {}
func (nopObserver) Rejected(string, fault.Code) {}
func (nopObserver) Verdict(gate.Verdict)        {}
func (nopObserver) Settled(gate.Settlement)     {}
func (nopObserver) JournalFailed()              {}

// Config holds what a Core cannot default.
type Config struct {
	Params  params.Values
	Catalog *plugin.Catalog
	Feed    gasprice.Feed
}

// Option configures a Core.
type Option func(*Core)

// WithJournal sets the event journal. Default: discard.
func WithJournal(j Journal) Option {
	return func(c *Core) { c.journal = j }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithClock sets the wall clock used for expiry and event times.
func WithClock(clk clock.Clock) Option {
	return func(c *Core) { c.clock = clk }
}

// WithIDs sets the event id generator. Default: UUIDv7.
func WithIDs(g IDGenerator) Option {
	return func(c *Core) { c.ids = g }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(c *Core) { c.observer = o }
}

// Core is the composed claim ledger.
type Core struct {
	ledger     *ledger.Ledger
	params     *params.Params
	whitelists *registry.Registry
	calc       *minting.Calculator
	claims     *claims.Registry
	stakes     *stake.Manager
	gate       *gate.Gate
	catalog    *plugin.Catalog
	feed       gasprice.Feed

	journal  Journal
	logger   *slog.Logger
	clock    clock.Clock
	ids      IDGenerator
	observer Observer

	journalMu sync.Mutex
	seq       *Seq
}

// New builds a Core from cfg.
func New(cfg Config, opts ...Option) (*Core, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("engine: plugin catalog is required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("engine: gas price feed is required")
	}
	p, err := params.New(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	c := &Core{
		ledger:     ledger.New(),
		params:     p,
		whitelists: registry.New(),
		calc:       minting.New(p),
		catalog:    cfg.Catalog,
		feed:       cfg.Feed,
		journal:    noopJournal{},
		logger:     slog.Default(),
		clock:      clock.System{},
		ids:        UUIDv7{},
		observer:   nopObserver{},
		seq:        NewSeqAt(0),
	}
	for _, opt := range opts {
		opt(c)
	}

	bindings := claims.NewBindings()
	c.stakes = stake.New(c.ledger, p, bindings, c.logger)
	c.claims = claims.New(claims.Config{
		Ledger:     c.ledger,
		Whitelists: c.whitelists,
		Calculator: c.calc,
		Params:     p,
		Catalog:    c.catalog,
		Feed:       c.feed,
		Stakes:     c.stakes,
		Bindings:   bindings,
	}, claims.WithClock(c.clock), claims.WithLogger(c.logger))
	c.gate = gate.New(gate.Config{
		Claims:  c.claims,
		Ledger:  c.ledger,
		Params:  p,
		Stakes:  c.stakes,
		Catalog: c.catalog,
		Feed:    c.feed,
		Clock:   c.clock,
		Logger:  c.logger,
	})
	return c, nil
}

// Catalog returns the plugin catalog.
func (c *Core) Catalog() *plugin.Catalog { return c.catalog }

// touched lists the records a mutation changed.
type touched struct {
	claims    []uint64
	accounts  []ledger.Key
	providers []string
	executors []string
	params    bool
}

// commit journals ev with the current value of everything in t.
func (c *Core) commit(ctx context.Context, ev Event, t touched) {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	ev.ID = c.ids.NewID()
	ev.Seq = c.seq.Next()
	ev.At = c.clock.Now()

	ch := Changes{}
	for _, id := range t.claims {
		if cl, err := c.claims.Get(id); err == nil {
			ch.Claims = append(ch.Claims, cl)
		}
		ch.LastClaimID = max(ch.LastClaimID, id)
	}
	for _, k := range t.accounts {
		ch.Balances = append(ch.Balances, ledger.Entry{Key: k, Balance: c.ledger.Balance(k.Pool, k.ID)})
	}
	if len(t.providers) > 0 {
		ch.Whitelists = make(map[string][]registry.Entry, len(t.providers))
		for _, p := range t.providers {
			ch.Whitelists[p] = c.whitelists.ProviderEntries(p)
		}
	}
	for _, e := range t.executors {
		ch.Prices = append(ch.Prices, stake.Price{Executor: e, Price: c.stakes.ExecutorPrice(e)})
	}
	if t.params {
		v := c.params.Values()
		ch.Params = &v
	}

	if err := c.journal.Append(ctx, ev, ch); err != nil {
		c.observer.JournalFailed()
		c.logger.Error("journal append failed",
			"event", ev.Kind,
			"seq", ev.Seq,
			"claim", ev.ClaimID,
			"error", err)
	}
	c.observer.Committed(ev.Kind)
	c.logger.Debug("event committed", "event", ev.Kind, "seq", ev.Seq, "claim", ev.ClaimID, "account", ev.Account)
}

// reject records a failed operation and returns err unchanged.
func (c *Core) reject(op string, err error) error {
	code := fault.CodeOf(err)
	c.observer.Rejected(op, code)
	if fault.IsFatal(err) {
		c.logger.Error("operation failed", "op", op, "code", code, "error", err)
	} else {
		c.logger.Debug("operation rejected", "op", op, "code", code, "error", err)
	}
	return err
}

func acct(pool ledger.Pool, id string) ledger.Key { return ledger.Key{Pool: pool, ID: id} }

// ProvideFunds credits provider's balance and returns the new balance.
func (c *Core) ProvideFunds(ctx context.Context, provider string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, c.reject("provide_funds", fault.New(fault.CodeInvalidArgument, "amount must be positive").WithAccount(provider))
	}
	bal, err := c.ledger.Credit(ledger.PoolProvider, provider, amount)
	if err != nil {
		return 0, c.reject("provide_funds", err)
	}
	c.commit(ctx, Event{Kind: EventFundsProvided, Account: provider, Data: map[string]any{"amount": amount, "balance": bal}},
		touched{accounts: []ledger.Key{acct(ledger.PoolProvider, provider)}})
	return bal, nil
}

// UnprovideFunds withdraws unescrowed provider funds.
func (c *Core) UnprovideFunds(ctx context.Context, provider string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, c.reject("unprovide_funds", fault.New(fault.CodeInvalidArgument, "amount must be positive").WithAccount(provider))
	}
	bal, err := c.ledger.Debit(ledger.PoolProvider, provider, amount)
	if err != nil {
		return 0, c.reject("unprovide_funds", err)
	}
	c.commit(ctx, Event{Kind: EventFundsUnprovided, Account: provider, Data: map[string]any{"amount": amount, "balance": bal}},
		touched{accounts: []ledger.Key{acct(ledger.PoolProvider, provider)}})
	return bal, nil
}

// Whitelist adds refs of kind to provider's whitelist on behalf of caller.
func (c *Core) Whitelist(ctx context.Context, caller, provider string, kind registry.Kind, refs ...plugin.Ref) ([]plugin.Ref, error) {
	added, err := c.whitelists.Whitelist(caller, provider, kind, refs...)
	if err != nil {
		return nil, c.reject("whitelist", err)
	}
	if len(added) > 0 {
		c.commit(ctx, Event{Kind: EventWhitelisted, Account: provider, Data: map[string]any{"kind": string(kind), "refs": added}},
			touched{providers: []string{provider}})
	}
	return added, nil
}

// Dewhitelist removes refs of kind from provider's whitelist.
func (c *Core) Dewhitelist(ctx context.Context, caller, provider string, kind registry.Kind, refs ...plugin.Ref) ([]plugin.Ref, error) {
	removed, err := c.whitelists.Dewhitelist(caller, provider, kind, refs...)
	if err != nil {
		return nil, c.reject("dewhitelist", err)
	}
	if len(removed) > 0 {
		c.commit(ctx, Event{Kind: EventDewhitelisted, Account: provider, Data: map[string]any{"kind": string(kind), "refs": removed}},
			touched{providers: []string{provider}})
	}
	return removed, nil
}

// IsWhitelisted reports whether provider allows ref for kind.
func (c *Core) IsWhitelisted(provider string, kind registry.Kind, ref plugin.Ref) bool {
	return c.whitelists.IsWhitelisted(provider, kind, ref)
}

// WhitelistOf returns provider's refs of kind, sorted.
func (c *Core) WhitelistOf(provider string, kind registry.Kind) []plugin.Ref {
	return c.whitelists.List(provider, kind)
}

// Stake adds to executor's stake.
func (c *Core) Stake(ctx context.Context, executor string, amount uint64) (uint64, error) {
	bal, err := c.stakes.Stake(executor, amount)
	if err != nil {
		return 0, c.reject("stake", err)
	}
	c.commit(ctx, Event{Kind: EventStaked, Account: executor, Data: map[string]any{"amount": amount, "stake": bal}},
		touched{accounts: []ledger.Key{acct(ledger.PoolExecutor, executor)}})
	return bal, nil
}

// Unstake withdraws from executor's stake.
func (c *Core) Unstake(ctx context.Context, executor string, amount uint64) (uint64, error) {
	bal, err := c.stakes.Unstake(executor, amount)
	if err != nil {
		return 0, c.reject("unstake", err)
	}
	c.commit(ctx, Event{Kind: EventUnstaked, Account: executor, Data: map[string]any{"amount": amount, "stake": bal}},
		touched{accounts: []ledger.Key{acct(ledger.PoolExecutor, executor)}})
	return bal, nil
}

// SetExecutorPrice sets executor's advertised gas price. Returns (old, new).
func (c *Core) SetExecutorPrice(ctx context.Context, executor string, price uint64) (uint64, uint64, error) {
	old, cur, err := c.stakes.SetExecutorPrice(executor, price)
	if err != nil {
		return 0, 0, c.reject("set_executor_price", err)
	}
	c.commit(ctx, Event{Kind: EventExecutorPriceSet, Account: executor, Data: map[string]any{"old": old, "new": cur}},
		touched{executors: []string{executor}})
	return old, cur, nil
}

// ExecutorStake returns executor's stake.
func (c *Core) ExecutorStake(executor string) uint64 { return c.stakes.StakeOf(executor) }

// ExecutorPrice returns executor's advertised gas price.
func (c *Core) ExecutorPrice(executor string) uint64 { return c.stakes.ExecutorPrice(executor) }

// IsMinStaked reports whether executor meets the minimum stake.
func (c *Core) IsMinStaked(executor string) bool { return c.stakes.IsMinStaked(executor) }

// LiveBoundCount returns how many Minted claims are bound to executor.
func (c *Core) LiveBoundCount(executor string) int { return c.claims.LiveBoundCount(executor) }

// ProviderFunds returns provider's unescrowed balance.
func (c *Core) ProviderFunds(provider string) uint64 {
	return c.ledger.Balance(ledger.PoolProvider, provider)
}

// SysAdminFunds returns the accumulated protocol fees.
func (c *Core) SysAdminFunds() uint64 {
	return c.ledger.Balance(ledger.PoolSysAdmin, ledger.SysAdminID)
}

// Escrow returns the deposit still held for claim id.
func (c *Core) Escrow(id uint64) uint64 {
	return c.ledger.Balance(ledger.PoolEscrow, ledger.EscrowID(id))
}

// Balances returns every ledger account.
func (c *Core) Balances() []ledger.Entry { return c.ledger.Snapshot() }

// Mint creates a claim.
func (c *Core) Mint(ctx context.Context, req claims.MintRequest) (claims.Claim, error) {
	cl, err := c.claims.Mint(ctx, req)
	if err != nil {
		return claims.Claim{}, c.reject("mint", err)
	}
	c.commit(ctx, Event{
		Kind:    EventClaimMinted,
		ClaimID: cl.ID,
		Account: cl.Provider,
		Data: map[string]any{
			"user":      cl.User,
			"executor":  cl.Executor,
			"deposit":   cl.MintedDeposit,
			"gas_price": cl.GasPrice,
			"hash":      cl.Hash,
		},
	}, touched{
		claims:   []uint64{cl.ID},
		accounts: []ledger.Key{acct(ledger.PoolProvider, cl.Provider), acct(ledger.PoolEscrow, ledger.EscrowID(cl.ID))},
	})
	return cl, nil
}

// Cancel refunds and cancels claim id on behalf of caller.
func (c *Core) Cancel(ctx context.Context, id uint64, caller string) (claims.Claim, error) {
	cl, err := c.claims.Cancel(ctx, id, caller)
	if err != nil {
		return claims.Claim{}, c.reject("cancel", err)
	}
	c.commit(ctx, Event{Kind: EventClaimCancelled, ClaimID: id, Account: caller, Data: map[string]any{"refund": cl.MintedDeposit}},
		touched{
			claims:   []uint64{id},
			accounts: []ledger.Key{acct(ledger.PoolProvider, cl.Provider), acct(ledger.PoolEscrow, ledger.EscrowID(id))},
		})
	return cl, nil
}

// Expire refunds and expires claim id.
func (c *Core) Expire(ctx context.Context, id uint64) (claims.Claim, error) {
	cl, err := c.claims.Expire(ctx, id)
	if err != nil {
		return claims.Claim{}, c.reject("expire", err)
	}
	c.commit(ctx, Event{Kind: EventClaimExpired, ClaimID: id, Account: cl.Provider, Data: map[string]any{"refund": cl.MintedDeposit}},
		touched{
			claims:   []uint64{id},
			accounts: []ledger.Key{acct(ledger.PoolProvider, cl.Provider), acct(ledger.PoolEscrow, ledger.EscrowID(id))},
		})
	return cl, nil
}

// CanExecute reports whether executor may execute claim id now.
func (c *Core) CanExecute(ctx context.Context, id uint64, executor string) gate.Verdict {
	v := c.gate.CanExecute(ctx, id, executor)
	c.observer.Verdict(v)
	return v
}

// Execute fulfills claim id on behalf of executor.
func (c *Core) Execute(ctx context.Context, id uint64, executor string) (gate.Settlement, error) {
	s, err := c.gate.Execute(ctx, id, executor)
	if err != nil {
		return gate.Settlement{}, c.reject("execute", err)
	}
	c.observer.Settled(s)
	c.commit(ctx, Event{
		Kind:    EventClaimExecuted,
		ClaimID: id,
		Account: executor,
		Data: map[string]any{
			"gas_used":  s.GasUsed,
			"gas_price": s.GasPrice,
			"reward":    s.Reward,
			"fee":       s.Fee,
			"refund":    s.Refund,
		},
	}, touched{
		claims: []uint64{id},
		accounts: []ledger.Key{
			acct(ledger.PoolEscrow, ledger.EscrowID(id)),
			acct(ledger.PoolExecutor, executor),
			acct(ledger.PoolSysAdmin, ledger.SysAdminID),
			acct(ledger.PoolProvider, s.Provider),
		},
	})
	return s, nil
}

// Claim returns claim id.
func (c *Core) Claim(id uint64) (claims.Claim, error) { return c.claims.Get(id) }

// CurrentClaimID returns the last claim id handed out.
func (c *Core) CurrentClaimID() uint64 { return c.claims.Current() }

// Claims returns claims matching f, ordered by id.
func (c *Core) Claims(f claims.Filter) []claims.Claim { return c.claims.List(f) }

// MintingDeposit quotes the deposit a mint would escrow right now, without
// minting. executor may be empty.
func (c *Core) MintingDeposit(ctx context.Context, condition, action plugin.Ref, executor string) (minting.Quote, error) {
	cond, err := c.catalog.Condition(condition)
	if err != nil {
		return minting.Quote{}, err
	}
	act, err := c.catalog.Action(action)
	if err != nil {
		return minting.Quote{}, err
	}
	estimate, err := c.feed.GasPrice(ctx)
	if err != nil {
		return minting.Quote{}, fault.Wrap(fault.CodeInvalidEstimate, err, "gas price feed failed")
	}
	var price uint64
	if executor != "" {
		price = c.stakes.ExecutorPrice(executor)
	}
	return c.calc.ComputeDeposit(cond.Gas(), act.Gas(), price, estimate)
}

// Params returns the current configuration values.
func (c *Core) Params() params.Values { return c.params.Values() }

func (c *Core) setParam(ctx context.Context, op string, kind EventKind, caller string, set func(string, uint64) (uint64, uint64, error), v uint64) (uint64, uint64, error) {
	old, cur, err := set(caller, v)
	if err != nil {
		return 0, 0, c.reject(op, err)
	}
	c.commit(ctx, Event{Kind: kind, Account: caller, Data: map[string]any{"old": old, "new": cur}}, touched{params: true})
	return old, cur, nil
}

// SetMinExecutorStake is owner-only. Returns (old, new).
func (c *Core) SetMinExecutorStake(ctx context.Context, caller string, v uint64) (uint64, uint64, error) {
	return c.setParam(ctx, "set_min_executor_stake", EventMinExecutorStakeSet, caller, c.stakes.SetMinExecutorStake, v)
}

// SetMinProviderFunds is owner-only. Returns (old, new).
func (c *Core) SetMinProviderFunds(ctx context.Context, caller string, v uint64) (uint64, uint64, error) {
	return c.setParam(ctx, "set_min_provider_funds", EventMinProviderFundsSet, caller, c.stakes.SetMinProviderFunds, v)
}

// SetGasMultiplierBps is owner-only. Returns (old, new).
func (c *Core) SetGasMultiplierBps(ctx context.Context, caller string, v uint64) (uint64, uint64, error) {
	return c.setParam(ctx, "set_gas_multiplier", EventGasMultiplierSet, caller, c.params.SetGasMultiplierBps, v)
}

// SetSysAdminFeeBps is owner-only. Returns (old, new).
func (c *Core) SetSysAdminFeeBps(ctx context.Context, caller string, v uint64) (uint64, uint64, error) {
	return c.setParam(ctx, "set_sysadmin_fee", EventSysAdminFeeSet, caller, c.params.SetSysAdminFeeBps, v)
}

// WithdrawSysAdminFunds pays out up to amount of protocol fees to the owner.
// Requests above the balance are capped rather than rejected, so a request
// against an empty pool succeeds with zero withdrawn. Returns the balance
// before the withdrawal and the amount withdrawn.
func (c *Core) WithdrawSysAdminFunds(ctx context.Context, caller string, amount uint64) (before, withdrawn uint64, err error) {
	if !c.params.IsOwner(caller) {
		return 0, 0, c.reject("withdraw_sysadmin_funds",
			fault.New(fault.CodeUnauthorized, "caller is not the owner").WithAccount(caller))
	}
	for {
		before = c.SysAdminFunds()
		withdrawn = min(amount, before)
		if withdrawn == 0 {
			break
		}
		_, err = c.ledger.Debit(ledger.PoolSysAdmin, ledger.SysAdminID, withdrawn)
		if err == nil {
			break
		}
		if !errors.Is(err, fault.ErrInsufficientFunds) {
			return 0, 0, c.reject("withdraw_sysadmin_funds", err)
		}
		// A concurrent withdrawal won the race; re-read and cap again.
	}
	c.commit(ctx, Event{Kind: EventSysAdminWithdrawn, Account: caller, Data: map[string]any{
		"requested": amount,
		"before":    before,
		"withdrawn": withdrawn,
	}}, touched{accounts: []ledger.Key{acct(ledger.PoolSysAdmin, ledger.SysAdminID)}})
	return before, withdrawn, nil
}

// Snapshot captures the complete in-memory state.
func (c *Core) Snapshot() Snapshot {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()
	cls, last := c.claims.Snapshot()
	v := c.params.Values()
	return Snapshot{
		Claims:      cls,
		LastClaimID: last,
		Balances:    c.ledger.Snapshot(),
		Whitelists:  c.whitelists.Entries(),
		Params:      &v,
		Prices:      c.stakes.Prices(),
		LastSeq:     c.seq.Current(),
	}
}

// Restore replaces in-memory state with snap. Call before the Core is
// shared; it is not atomic with respect to concurrent operations.
func (c *Core) Restore(ctx context.Context, snap Snapshot) error {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()
	if snap.Params != nil {
		if err := c.params.Restore(*snap.Params); err != nil {
			return fmt.Errorf("restore params: %w", err)
		}
	}
	if err := c.ledger.Restore(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	if err := c.whitelists.Restore(snap.Whitelists); err != nil {
		return fmt.Errorf("restore whitelists: %w", err)
	}
	if err := c.claims.Restore(snap.Claims, snap.LastClaimID); err != nil {
		return fmt.Errorf("restore claims: %w", err)
	}
	c.stakes.RestorePrices(snap.Prices)
	c.seq = NewSeqAt(snap.LastSeq)
	c.logger.Debug("state restored",
		"claims", len(snap.Claims),
		"accounts", len(snap.Balances),
		"last_seq", snap.LastSeq)
	return nil
}
