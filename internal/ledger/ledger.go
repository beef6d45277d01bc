// Package ledger implements the funds ledger behind execution claims.
//
// The ledger holds four kinds of pools:
//   - provider: funds backing claims, owned by each provider
//   - executor: stake owned by each executor (settlement rewards land here)
//   - sysadmin: the protocol fee balance (single account SysAdminID)
//   - escrow: deposits held per claim between mint and settlement
//
// Mint moves a deposit provider -> escrow and every settlement or refund
// drains the claim's escrow account, so the sum over all pools only changes
// through external credits and debits.
//
// Concurrency: each (pool, id) account has its own lock. Two-account
// operations lock both accounts in key order. Operations on unrelated
// accounts never contend. Balance reads are lock-free.
//
// The ledger never calls external code.
package ledger

import (
	"math/bits"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
)

// Pool identifies a balance pool.
type Pool string

const (
	PoolProvider Pool = "provider"
	PoolExecutor Pool = "executor"
	PoolSysAdmin Pool = "sysadmin"
	PoolEscrow   Pool = "escrow"
)

// SysAdminID is the only account id in PoolSysAdmin.
const SysAdminID = "sysadmin"

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool {
	switch p {
	case PoolProvider, PoolExecutor, PoolSysAdmin, PoolEscrow:
		return true
	}
	return false
}

// EscrowID returns the escrow account id for a claim.
func EscrowID(claimID uint64) string {
	return strconv.FormatUint(claimID, 10)
}

// Key addresses a single account.
type Key struct {
	Pool Pool   `json:"pool"`
	ID   string `json:"id"`
}

func (k Key) less(o Key) bool {
	if k.Pool != o.Pool {
		return k.Pool < o.Pool
	}
	return k.ID < o.ID
}

// Entry is a point-in-time account balance.
type Entry struct {
	Key
	Balance uint64 `json:"balance"`
}

type account struct {
	mu      sync.Mutex
	balance atomic.Uint64
}

// Ledger is the in-memory funds ledger. The zero value is not usable; call New.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[Key]*account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[Key]*account)}
}

// lookup returns the account for key, creating it when create is set.
// Returns nil if the account does not exist and create is false.
func (l *Ledger) lookup(key Key, create bool) *account {
	l.mu.RLock()
	acct := l.accounts[key]
	l.mu.RUnlock()
	if acct != nil || !create {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acct = l.accounts[key]; acct == nil {
		acct = &account{}
		l.accounts[key] = acct
	}
	return acct
}

func validate(pool Pool, id string) error {
	if !pool.Valid() {
		return fault.New(fault.CodeInvalidArgument, "unknown pool %q", pool)
	}
	if id == "" {
		return fault.New(fault.CodeInvalidArgument, "empty account id in pool %s", pool)
	}
	return nil
}

// Balance returns the current balance of an account. Missing accounts hold zero.
func (l *Ledger) Balance(pool Pool, id string) uint64 {
	acct := l.lookup(Key{Pool: pool, ID: id}, false)
	if acct == nil {
		return 0
	}
	return acct.balance.Load()
}

// Credit adds amount to an account and returns the new balance.
func (l *Ledger) Credit(pool Pool, id string, amount uint64) (uint64, error) {
	if err := validate(pool, id); err != nil {
		return 0, err
	}
	acct := l.lookup(Key{Pool: pool, ID: id}, true)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	next, err := add(acct.balance.Load(), amount, pool, id)
	if err != nil {
		return 0, err
	}
	acct.balance.Store(next)
	return next, nil
}

// Debit removes amount from an account and returns the new balance.
// Fails with INSUFFICIENT_FUNDS if the balance would go negative.
func (l *Ledger) Debit(pool Pool, id string, amount uint64) (uint64, error) {
	if err := validate(pool, id); err != nil {
		return 0, err
	}
	acct := l.lookup(Key{Pool: pool, ID: id}, amount == 0)
	if acct == nil {
		return 0, insufficient(pool, id, 0, amount)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	cur := acct.balance.Load()
	if cur < amount {
		return 0, insufficient(pool, id, cur, amount)
	}
	acct.balance.Store(cur - amount)
	return cur - amount, nil
}

// Transfer moves amount between two accounts atomically: both legs apply or
// neither does.
func (l *Ledger) Transfer(fromPool Pool, fromID string, toPool Pool, toID string, amount uint64) error {
	return l.transfer(fromPool, fromID, toPool, toID, amount, 0)
}

// TransferKeeping is Transfer with a floor: the source must still hold at
// least keep after the move. Check and move happen under the same locks.
func (l *Ledger) TransferKeeping(fromPool Pool, fromID string, toPool Pool, toID string, amount, keep uint64) error {
	return l.transfer(fromPool, fromID, toPool, toID, amount, keep)
}

func (l *Ledger) transfer(fromPool Pool, fromID string, toPool Pool, toID string, amount, keep uint64) error {
	need, carry := bits.Add64(amount, keep, 0)
	if carry != 0 {
		return fault.New(fault.CodeInvalidArgument, "transfer amount plus floor overflows").WithAccount(fromID)
	}
	if err := validate(fromPool, fromID); err != nil {
		return err
	}
	if err := validate(toPool, toID); err != nil {
		return err
	}
	fromKey := Key{Pool: fromPool, ID: fromID}
	toKey := Key{Pool: toPool, ID: toID}

	from := l.lookup(fromKey, need == 0)
	if from == nil {
		return insufficient(fromPool, fromID, 0, need)
	}
	if fromKey == toKey {
		if from.balance.Load() < need {
			return insufficient(fromPool, fromID, from.balance.Load(), need)
		}
		return nil
	}
	to := l.lookup(toKey, true)

	// Lock in key order so opposing transfers cannot deadlock.
	first, second := from, to
	if toKey.less(fromKey) {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	cur := from.balance.Load()
	if cur < need {
		return insufficient(fromPool, fromID, cur, need)
	}
	next, err := add(to.balance.Load(), amount, toPool, toID)
	if err != nil {
		return err
	}
	from.balance.Store(cur - amount)
	to.balance.Store(next)
	return nil
}

// Leg is one outgoing movement of a Split.
type Leg struct {
	Pool   Pool
	ID     string
	Amount uint64
}

// Split drains amounts from one account into several destinations as a single
// atomic step. Used by settlement to pay executor, provider and fee pool out
// of a claim's escrow together.
func (l *Ledger) Split(fromPool Pool, fromID string, legs ...Leg) error {
	if err := validate(fromPool, fromID); err != nil {
		return err
	}
	fromKey := Key{Pool: fromPool, ID: fromID}

	var total uint64
	keys := []Key{fromKey}
	for _, leg := range legs {
		if err := validate(leg.Pool, leg.ID); err != nil {
			return err
		}
		var carry uint64
		total, carry = bits.Add64(total, leg.Amount, 0)
		if carry != 0 {
			return fault.New(fault.CodeInvalidArgument, "split total overflows").WithAccount(fromID)
		}
		k := Key{Pool: leg.Pool, ID: leg.ID}
		if k == fromKey {
			return fault.New(fault.CodeInvalidArgument, "split leg targets its own source").WithAccount(fromID)
		}
		keys = append(keys, k)
	}

	from := l.lookup(fromKey, total == 0)
	if from == nil {
		return insufficient(fromPool, fromID, 0, total)
	}

	unique := uniqueSorted(keys)
	accts := make(map[Key]*account, len(unique))
	for _, k := range unique {
		accts[k] = l.lookup(k, true)
	}
	for _, k := range unique {
		accts[k].mu.Lock()
	}
	defer func() {
		for i := len(unique) - 1; i >= 0; i-- {
			accts[unique[i]].mu.Unlock()
		}
	}()

	cur := from.balance.Load()
	if cur < total {
		return insufficient(fromPool, fromID, cur, total)
	}

	// Compute every destination balance before storing any of them.
	next := make(map[Key]uint64, len(unique))
	for _, leg := range legs {
		k := Key{Pool: leg.Pool, ID: leg.ID}
		base, seen := next[k]
		if !seen {
			base = accts[k].balance.Load()
		}
		sum, err := add(base, leg.Amount, leg.Pool, leg.ID)
		if err != nil {
			return err
		}
		next[k] = sum
	}
	from.balance.Store(cur - total)
	for k, v := range next {
		accts[k].balance.Store(v)
	}
	return nil
}

// Snapshot returns every account with its balance, ordered by pool then id.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	entries := make([]Entry, 0, len(l.accounts))
	for k, acct := range l.accounts {
		entries = append(entries, Entry{Key: k, Balance: acct.balance.Load()})
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.less(entries[j].Key) })
	return entries
}

// Total returns the sum of all balances in a pool.
func (l *Ledger) Total(pool Pool) uint64 {
	var sum uint64
	for _, e := range l.Snapshot() {
		if e.Pool == pool {
			sum += e.Balance
		}
	}
	return sum
}

// Restore replaces the ledger contents with entries. Intended for rebuilding
// state from a persisted snapshot before the ledger is shared.
func (l *Ledger) Restore(entries []Entry) error {
	accounts := make(map[Key]*account, len(entries))
	for _, e := range entries {
		if err := validate(e.Pool, e.ID); err != nil {
			return err
		}
		acct := &account{}
		acct.balance.Store(e.Balance)
		accounts[e.Key] = acct
	}

	l.mu.Lock()
	l.accounts = accounts
	l.mu.Unlock()
	return nil
}

func add(cur, amount uint64, pool Pool, id string) (uint64, error) {
	sum, carry := bits.Add64(cur, amount, 0)
	if carry != 0 {
		return 0, fault.New(fault.CodeInvalidArgument, "credit overflows balance").
			WithAccount(id).
			WithDetail("pool", string(pool))
	}
	return sum, nil
}

func insufficient(pool Pool, id string, available, requested uint64) error {
	return fault.New(fault.CodeInsufficientFunds, "debit exceeds balance").
		WithAccount(id).
		WithDetail("pool", string(pool)).
		WithDetail("available", strconv.FormatUint(available, 10)).
		WithDetail("requested", strconv.FormatUint(requested, 10))
}

func uniqueSorted(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if len(out) == 0 || out[len(out)-1] != k {
			out = append(out, k)
		}
	}
	return out
}
