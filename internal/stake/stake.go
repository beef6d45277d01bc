// Package stake manages executor stakes, executor gas prices and the
// owner-controlled thresholds.
package stake

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
)

// Price is an executor's advertised gas price.
type Price struct {
	Executor string `json:"executor"`
	Price    uint64 `json:"price"`
}

// Manager implements claims.StakeView.
type Manager struct {
	ledger   *ledger.Ledger
	params   *params.Params
	bindings *claims.Bindings
	logger   *slog.Logger

	mu     sync.RWMutex
	prices map[string]uint64
}

// New creates a stake manager. bindings must be the tracker shared with
// the claim registry.
func New(l *ledger.Ledger, p *params.Params, bindings *claims.Bindings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:   l,
		params:   p,
		bindings: bindings,
		logger:   logger,
		prices:   make(map[string]uint64),
	}
}

// Stake adds amount to executor's stake and returns the new balance.
func (m *Manager) Stake(executor string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fault.New(fault.CodeInvalidArgument, "stake amount must be positive").WithAccount(executor)
	}
	return m.ledger.Credit(ledger.PoolExecutor, executor, amount)
}

// Unstake withdraws amount from executor's stake. An executor bound to a
// live claim cannot drop below the minimum stake.
func (m *Manager) Unstake(executor string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fault.New(fault.CodeInvalidArgument, "unstake amount must be positive").WithAccount(executor)
	}
	release := m.bindings.Guard(executor)
	defer release()

	cur := m.ledger.Balance(ledger.PoolExecutor, executor)
	if amount > cur {
		return cur, fault.New(fault.CodeInsufficientFunds, "unstake exceeds stake").
			WithAccount(executor).
			WithDetail("stake", strconv.FormatUint(cur, 10)).
			WithDetail("requested", strconv.FormatUint(amount, 10))
	}
	minStake := m.params.MinExecutorStake()
	if live := m.bindings.Live(executor); live > 0 && cur-amount < minStake {
		return cur, fault.New(fault.CodeInsufficientStake, "executor is bound to live claims").
			WithAccount(executor).
			WithDetail("live_claims", strconv.Itoa(live)).
			WithDetail("min_executor_stake", strconv.FormatUint(minStake, 10))
	}
	return m.ledger.Debit(ledger.PoolExecutor, executor, amount)
}

// StakeOf returns executor's current stake.
func (m *Manager) StakeOf(executor string) uint64 {
	return m.ledger.Balance(ledger.PoolExecutor, executor)
}

// IsMinStaked reports whether executor's stake meets the current minimum.
func (m *Manager) IsMinStaked(executor string) bool {
	if executor == "" {
		return false
	}
	return m.StakeOf(executor) >= m.params.MinExecutorStake()
}

// SetExecutorPrice records the gas price executor charges. Returns (old, new).
func (m *Manager) SetExecutorPrice(executor string, price uint64) (uint64, uint64, error) {
	if executor == "" {
		return 0, 0, fault.New(fault.CodeInvalidArgument, "executor is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.prices[executor]
	if price == 0 {
		delete(m.prices, executor)
	} else {
		m.prices[executor] = price
	}
	return old, price, nil
}

// ExecutorPrice returns executor's gas price, zero if unset.
func (m *Manager) ExecutorPrice(executor string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prices[executor]
}

// Prices returns every executor price sorted by executor.
func (m *Manager) Prices() []Price {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Price, 0, len(m.prices))
	for e, p := range m.prices {
		out = append(out, Price{Executor: e, Price: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Executor < out[j].Executor })
	return out
}

// RestorePrices replaces all executor prices.
func (m *Manager) RestorePrices(prices []Price) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = make(map[string]uint64, len(prices))
	for _, p := range prices {
		if p.Price != 0 {
			m.prices[p.Executor] = p.Price
		}
	}
}

// SetMinExecutorStake is owner-only. It affects later admission checks and
// never touches escrowed deposits.
func (m *Manager) SetMinExecutorStake(caller string, v uint64) (uint64, uint64, error) {
	old, cur, err := m.params.SetMinExecutorStake(caller, v)
	if err == nil {
		m.logger.Info("min executor stake updated", "old", old, "new", cur)
	}
	return old, cur, err
}

// SetMinProviderFunds is owner-only.
func (m *Manager) SetMinProviderFunds(caller string, v uint64) (uint64, uint64, error) {
	old, cur, err := m.params.SetMinProviderFunds(caller, v)
	if err == nil {
		m.logger.Info("min provider funds updated", "old", old, "new", cur)
	}
	return old, cur, err
}
