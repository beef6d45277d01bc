// Package claims owns execution claim records and their lifecycle.
//
// A claim is created Minted and makes at most one transition, to Executed,
// Cancelled or Expired. The deposit priced at mint is frozen in the claim
// and held in the claim's escrow account until that transition.
//
// Concurrency: each claim has its own mutex serializing execute, cancel and
// expire. The state is mirrored in an atomic so CanExecute-style reads never
// take the claim lock.
package claims

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/canon"
	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/minting"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
)

// Claim is a snapshot of an execution claim.
type Claim struct {
	ID       uint64 `json:"id"`
	Provider string `json:"provider"`
	// Executor is the bound executor; empty means any staked executor.
	Executor string `json:"executor,omitempty"`
	User     string `json:"user"`

	Condition plugin.Call `json:"condition"`
	Action    plugin.Call `json:"action"`
	Module    plugin.Ref  `json:"module,omitempty"`

	MintedDeposit uint64     `json:"minted_deposit"`
	GasPrice      uint64     `json:"gas_price"`
	Expiry        *time.Time `json:"expiry,omitempty"`

	State    State      `json:"state"`
	Hash     string     `json:"hash"`
	MintedAt time.Time  `json:"minted_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Expired reports whether the claim has an expiry at or before now.
func (c Claim) Expired(now time.Time) bool {
	return c.Expiry != nil && !now.Before(*c.Expiry)
}

// MintRequest describes a claim to mint.
type MintRequest struct {
	Provider  string
	User      string
	Executor  string
	Condition plugin.Call
	Action    plugin.Call
	Module    plugin.Ref
	Expiry    *time.Time
}

// StakeView answers the stake questions mint needs.
type StakeView interface {
	IsMinStaked(executor string) bool
	ExecutorPrice(executor string) uint64
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State    State
	Provider string
	Executor string
	User     string
}

func (f Filter) match(c Claim) bool {
	return (f.State == 0 || c.State == f.State) &&
		(f.Provider == "" || c.Provider == f.Provider) &&
		(f.Executor == "" || c.Executor == f.Executor) &&
		(f.User == "" || c.User == f.User)
}

// Config wires a Registry to its collaborators.
type Config struct {
	Ledger     *ledger.Ledger
	Whitelists *registry.Registry
	Calculator *minting.Calculator
	Params     *params.Params
	Catalog    *plugin.Catalog
	Feed       gasprice.Feed
	Stakes     StakeView
	Bindings   *Bindings
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

type record struct {
	mu       sync.Mutex
	claim    Claim // immutable after mint except State/ClosedAt, which are read via the atomics
	state    atomic.Int32
	closedAt atomic.Int64 // unix nanos, 0 while live
}

func (rec *record) snapshot() Claim {
	c := rec.claim
	c.State = State(rec.state.Load())
	if ns := rec.closedAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		c.ClosedAt = &t
	}
	return c
}

// Registry stores claims and enforces the lifecycle.
type Registry struct {
	cfg    Config
	seq    *Sequence
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	records map[uint64]*record
}

// New creates a registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.Bindings == nil {
		cfg.Bindings = NewBindings()
	}
	r := &Registry{
		cfg:     cfg,
		seq:     NewSequenceAt(0),
		clock:   clock.System{},
		logger:  slog.Default(),
		records: make(map[uint64]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bindings returns the executor binding tracker.
func (r *Registry) Bindings() *Bindings { return r.cfg.Bindings }

// LiveBoundCount returns how many Minted claims are bound to executor.
func (r *Registry) LiveBoundCount(executor string) int {
	return r.cfg.Bindings.Live(executor)
}

// Mint validates req, escrows its deposit and stores a new Minted claim.
func (r *Registry) Mint(ctx context.Context, req MintRequest) (Claim, error) {
	if req.Provider == "" || req.User == "" {
		return Claim{}, fault.New(fault.CodeInvalidArgument, "provider and user are required")
	}
	if req.Condition.Ref == "" || req.Action.Ref == "" {
		return Claim{}, fault.New(fault.CodeInvalidArgument, "condition and action are required")
	}
	now := r.clock.Now()
	if req.Expiry != nil && !now.Before(*req.Expiry) {
		return Claim{}, fault.New(fault.CodeInvalidArgument, "expiry %s is not in the future", req.Expiry.UTC().Format(time.RFC3339))
	}

	if err := r.checkWhitelisted(req.Provider, req.Condition.Ref, req.Action.Ref, req.Module); err != nil {
		return Claim{}, err
	}

	var executorPrice uint64
	if req.Executor != "" {
		release := r.cfg.Bindings.Guard(req.Executor)
		defer release()
		if !r.cfg.Stakes.IsMinStaked(req.Executor) {
			return Claim{}, fault.New(fault.CodeExecutorUnderstaked, "bound executor is below the minimum stake").
				WithAccount(req.Executor)
		}
		executorPrice = r.cfg.Stakes.ExecutorPrice(req.Executor)
	}

	cond, err := r.cfg.Catalog.Condition(req.Condition.Ref)
	if err != nil {
		return Claim{}, err
	}
	action, err := r.cfg.Catalog.Action(req.Action.Ref)
	if err != nil {
		return Claim{}, err
	}

	estimate, err := r.cfg.Feed.GasPrice(ctx)
	if err != nil {
		return Claim{}, fault.Wrap(fault.CodeInvalidEstimate, err, "gas price feed failed")
	}
	quote, err := r.cfg.Calculator.ComputeDeposit(cond.Gas(), action.Gas(), executorPrice, estimate)
	if err != nil {
		return Claim{}, err
	}

	minFunds := r.cfg.Params.MinProviderFunds()
	funds := r.cfg.Ledger.Balance(ledger.PoolProvider, req.Provider)
	if funds < quote.Deposit || funds-quote.Deposit < minFunds {
		return Claim{}, insufficientProviderFunds(req.Provider, funds, minFunds, quote.Deposit, nil)
	}

	id := r.seq.Next()
	c := Claim{
		ID:            id,
		Provider:      req.Provider,
		Executor:      req.Executor,
		User:          req.User,
		Condition:     req.Condition,
		Action:        req.Action,
		Module:        req.Module,
		MintedDeposit: quote.Deposit,
		GasPrice:      quote.GasPrice,
		State:         StateMinted,
		MintedAt:      now,
	}
	if req.Expiry != nil {
		exp := req.Expiry.UTC()
		c.Expiry = &exp
	}
	c.Hash, err = Hash(c)
	if err != nil {
		return Claim{}, fault.Wrap(fault.CodeInvalidArgument, err, "claim payload is not hashable").WithClaim(id)
	}

	// The balance may have moved since the check above; the ledger
	// re-enforces the floor under the provider's account lock.
	err = r.cfg.Ledger.TransferKeeping(ledger.PoolProvider, req.Provider, ledger.PoolEscrow, ledger.EscrowID(id), quote.Deposit, minFunds)
	if err != nil {
		if errors.Is(err, fault.ErrInsufficientFunds) {
			return Claim{}, insufficientProviderFunds(req.Provider, r.cfg.Ledger.Balance(ledger.PoolProvider, req.Provider), minFunds, quote.Deposit, err)
		}
		return Claim{}, err
	}

	rec := &record{claim: c}
	rec.state.Store(int32(StateMinted))
	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()
	if c.Executor != "" {
		r.cfg.Bindings.bind(c.Executor)
	}

	r.logger.Debug("claim minted",
		"claim", id,
		"provider", c.Provider,
		"executor", c.Executor,
		"deposit", c.MintedDeposit,
		"gas_price", c.GasPrice)
	return c, nil
}

func insufficientProviderFunds(provider string, funds, minFunds, deposit uint64, cause error) error {
	e := fault.New(fault.CodeInsufficientProviderFunds, "provider funds cannot cover deposit above the minimum").
		WithAccount(provider).
		WithDetail("funds", strconv.FormatUint(funds, 10)).
		WithDetail("min_provider_funds", strconv.FormatUint(minFunds, 10)).
		WithDetail("deposit", strconv.FormatUint(deposit, 10))
	e.Err = cause
	return e
}

func (r *Registry) checkWhitelisted(provider string, cond, action, module plugin.Ref) error {
	wl := r.cfg.Whitelists
	if !wl.IsWhitelisted(provider, registry.KindCondition, cond) {
		return fault.New(fault.CodeNotWhitelisted, "condition %s not whitelisted", cond).WithAccount(provider)
	}
	if !wl.IsWhitelisted(provider, registry.KindAction, action) {
		return fault.New(fault.CodeNotWhitelisted, "action %s not whitelisted", action).WithAccount(provider)
	}
	if module != "" && !wl.IsWhitelisted(provider, registry.KindModule, module) {
		return fault.New(fault.CodeNotWhitelisted, "module %s not whitelisted", module).WithAccount(provider)
	}
	return nil
}

// CheckWhitelisted re-checks c's references against its provider's
// current whitelist.
func (r *Registry) CheckWhitelisted(c Claim) error {
	if err := r.checkWhitelisted(c.Provider, c.Condition.Ref, c.Action.Ref, c.Module); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			fe.ClaimID = c.ID
		}
		return err
	}
	return nil
}

// Current returns the last allocated claim id, 0 before the first mint.
// Ids drawn by failed mints count.
func (r *Registry) Current() uint64 { return r.seq.Current() }

// Get returns a snapshot of claim id.
func (r *Registry) Get(id uint64) (Claim, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Claim{}, fault.New(fault.CodeNotFound, "claim not found").WithClaim(id)
	}
	return rec.snapshot(), nil
}

// List returns matching claims ordered by id.
func (r *Registry) List(f Filter) []Claim {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Claim, 0, len(recs))
	for _, rec := range recs {
		if c := rec.snapshot(); f.match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) lookup(id uint64) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// Fulfill runs fn under claim id's lock while it is Minted. When fn returns
// nil the claim becomes Executed. A claim that is missing or no longer
// Minted fails with CLAIM_NOT_ACTIVE without calling fn.
func (r *Registry) Fulfill(ctx context.Context, id uint64, fn func(Claim) error) (Claim, error) {
	return r.transition(id, StateExecuted, fault.CodeClaimNotActive, fn)
}

// Cancel refunds and cancels a live, unexpired claim. Only the claim's user
// or provider may cancel.
func (r *Registry) Cancel(ctx context.Context, id uint64, caller string) (Claim, error) {
	return r.transition(id, StateCancelled, fault.CodeInvalidState, func(c Claim) error {
		if caller == "" || (caller != c.User && caller != c.Provider) {
			return fault.New(fault.CodeUnauthorized, "only the claim's user or provider may cancel").
				WithClaim(id).WithAccount(caller)
		}
		if c.Expired(r.clock.Now()) {
			return fault.New(fault.CodeInvalidState, "claim has expired").WithClaim(id)
		}
		return r.refund(c)
	})
}

// Expire refunds and expires a live claim whose expiry has passed.
// Anyone may call it.
func (r *Registry) Expire(ctx context.Context, id uint64) (Claim, error) {
	return r.transition(id, StateExpired, fault.CodeInvalidState, func(c Claim) error {
		if c.Expiry == nil {
			return fault.New(fault.CodeInvalidState, "claim has no expiry").WithClaim(id)
		}
		if !c.Expired(r.clock.Now()) {
			return fault.New(fault.CodeInvalidState, "claim has not expired yet").
				WithClaim(id).WithDetail("expiry", c.Expiry.Format(time.RFC3339))
		}
		return r.refund(c)
	})
}

func (r *Registry) refund(c Claim) error {
	err := r.cfg.Ledger.Transfer(ledger.PoolEscrow, ledger.EscrowID(c.ID), ledger.PoolProvider, c.Provider, c.MintedDeposit)
	if err != nil {
		r.logger.Error("invariant_violation",
			"op", "refund",
			"claim", c.ID,
			"deposit", c.MintedDeposit,
			"error", err)
		return fault.Wrap(fault.CodeInsufficientFunds, err, "escrow refund failed").WithClaim(c.ID).AsFatal()
	}
	return nil
}

func (r *Registry) transition(id uint64, to State, inactive fault.Code, fn func(Claim) error) (Claim, error) {
	rec := r.lookup(id)
	if rec == nil {
		if inactive == fault.CodeClaimNotActive {
			return Claim{}, fault.New(inactive, "claim not found").WithClaim(id)
		}
		return Claim{}, fault.New(fault.CodeNotFound, "claim not found").WithClaim(id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := State(rec.state.Load())
	if !CanTransition(cur, to) {
		return rec.snapshot(), fault.New(inactive, "claim is %s", cur).WithClaim(id).WithDetail("state", cur.String())
	}
	if err := fn(rec.snapshot()); err != nil {
		return rec.snapshot(), err
	}

	rec.closedAt.Store(r.clock.Now().UnixNano())
	rec.state.Store(int32(to))
	if rec.claim.Executor != "" {
		r.cfg.Bindings.release(rec.claim.Executor)
	}
	r.logger.Debug("claim closed", "claim", id, "state", to.String())
	return rec.snapshot(), nil
}

// Snapshot returns every claim ordered by id, and the last allocated id.
func (r *Registry) Snapshot() ([]Claim, uint64) {
	return r.List(Filter{}), r.seq.Current()
}

// Restore replaces all claims. The id sequence resumes after
// max(lastID, highest claim id).
func (r *Registry) Restore(claims []Claim, lastID uint64) error {
	records := make(map[uint64]*record, len(claims))
	for _, c := range claims {
		if c.ID == 0 {
			return fault.New(fault.CodeInvalidArgument, "restored claim has zero id")
		}
		if _, dup := records[c.ID]; dup {
			return fault.New(fault.CodeInvalidArgument, "duplicate restored claim").WithClaim(c.ID)
		}
		if _, ok := stateNames[c.State]; !ok {
			return fault.New(fault.CodeInvalidArgument, "restored claim has invalid state").WithClaim(c.ID)
		}
		rec := &record{claim: c}
		rec.claim.ClosedAt = nil
		rec.state.Store(int32(c.State))
		if c.ClosedAt != nil {
			rec.closedAt.Store(c.ClosedAt.UnixNano())
		}
		records[c.ID] = rec
		lastID = max(lastID, c.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
	r.seq.Advance(lastID)
	r.cfg.Bindings.reset()
	for _, rec := range records {
		if rec.claim.Executor != "" && State(rec.state.Load()) == StateMinted {
			r.cfg.Bindings.bind(rec.claim.Executor)
		}
	}
	return nil
}

// hashed is the immutable subset of a claim covered by its hash.
type hashed struct {
	ID            uint64      `json:"id"`
	Provider      string      `json:"provider"`
	Executor      string      `json:"executor"`
	User          string      `json:"user"`
	Condition     plugin.Call `json:"condition"`
	Action        plugin.Call `json:"action"`
	Module        plugin.Ref  `json:"module"`
	MintedDeposit uint64      `json:"minted_deposit"`
	GasPrice      uint64      `json:"gas_price"`
	Expiry        int64       `json:"expiry"`
}

// Hash computes the content hash of c's immutable fields.
func Hash(c Claim) (string, error) {
	h := hashed{
		ID:            c.ID,
		Provider:      c.Provider,
		Executor:      c.Executor,
		User:          c.User,
		Condition:     c.Condition,
		Action:        c.Action,
		Module:        c.Module,
		MintedDeposit: c.MintedDeposit,
		GasPrice:      c.GasPrice,
	}
	if c.Expiry != nil {
		h.Expiry = c.Expiry.Unix()
	}
	return canon.Hash(canon.DomainClaim, h)
}
