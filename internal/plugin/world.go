package plugin

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
)

// World is the external state the built-in plugins read and mutate.
type World interface {
	clock.Clock

	// BalanceOf returns account's holding of token.
	BalanceOf(token, account string) uint64

	// Rate quotes how many dest units one src unit buys.
	Rate(src, dest string) (uint64, error)

	// Transfer moves amount of token between accounts atomically.
	Transfer(token, from, to string, amount uint64) error
}

// Holding is one token balance in a MemoryWorld.
type Holding struct {
	Token   string `json:"token" yaml:"token"`
	Account string `json:"account" yaml:"account"`
	Amount  uint64 `json:"amount" yaml:"amount"`
}

// Quote is one exchange rate in a MemoryWorld.
type Quote struct {
	Src  string `json:"src" yaml:"src"`
	Dest string `json:"dest" yaml:"dest"`
	Rate uint64 `json:"rate" yaml:"rate"`
}

type holdingKey struct{ token, account string }
type quoteKey struct{ src, dest string }

// MemoryWorld is an in-process World used by the CLI, harness and tests.
// Safe for concurrent use.
type MemoryWorld struct {
	clock clock.Clock

	mu       sync.RWMutex
	holdings map[holdingKey]uint64
	quotes   map[quoteKey]uint64
}

// NewMemoryWorld creates an empty world reading time from c.
func NewMemoryWorld(c clock.Clock) *MemoryWorld {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryWorld{
		clock:    c,
		holdings: make(map[holdingKey]uint64),
		quotes:   make(map[quoteKey]uint64),
	}
}

// Now implements clock.Clock.
func (w *MemoryWorld) Now() time.Time { return w.clock.Now() }

// SetBalance overwrites a holding.
func (w *MemoryWorld) SetBalance(token, account string, amount uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holdings[holdingKey{token, account}] = amount
}

// SetRate overwrites a quote.
func (w *MemoryWorld) SetRate(src, dest string, rate uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.quotes[quoteKey{src, dest}] = rate
}

// BalanceOf implements World.
func (w *MemoryWorld) BalanceOf(token, account string) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.holdings[holdingKey{token, account}]
}

// Rate implements World.
func (w *MemoryWorld) Rate(src, dest string) (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.quotes[quoteKey{src, dest}]
	if !ok {
		return 0, fmt.Errorf("no quote for %s/%s", src, dest)
	}
	return r, nil
}

// Transfer implements World.
func (w *MemoryWorld) Transfer(token, from, to string, amount uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fk, tk := holdingKey{token, from}, holdingKey{token, to}
	if from == to {
		if w.holdings[fk] < amount {
			return fmt.Errorf("%s holds %d %s, need %d", from, w.holdings[fk], token, amount)
		}
		return nil
	}
	have := w.holdings[fk]
	if have < amount {
		return fmt.Errorf("%s holds %d %s, need %d", from, have, token, amount)
	}
	sum, carry := bits.Add64(w.holdings[tk], amount, 0)
	if carry != 0 {
		return fmt.Errorf("%s balance of %s would overflow", to, token)
	}
	w.holdings[fk] = have - amount
	w.holdings[tk] = sum
	return nil
}

// Holdings returns all non-zero holdings sorted by token then account.
func (w *MemoryWorld) Holdings() []Holding {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Holding, 0, len(w.holdings))
	for k, v := range w.holdings {
		if v == 0 {
			continue
		}
		out = append(out, Holding{Token: k.token, Account: k.account, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// Load replaces holdings and adds quotes.
func (w *MemoryWorld) Load(holdings []Holding, quotes []Quote) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holdings = make(map[holdingKey]uint64, len(holdings))
	for _, h := range holdings {
		w.holdings[holdingKey{h.Token, h.Account}] = h.Amount
	}
	for _, q := range quotes {
		w.quotes[quoteKey{q.Src, q.Dest}] = q.Rate
	}
}
