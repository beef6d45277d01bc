// Package params holds the process-wide protocol configuration.
//
// A single *Params is shared by the claim registry, the execution gate and
// the stake manager. Reads are atomic and never block. Writes are owner-gated
// and take effect for every subsequent check.
package params

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
)

// BasisPoints is the denominator for multiplier and fee fractions.
const BasisPoints = 10_000

// Defaults applied by New when a field is left zero.
const (
	DefaultGasMultiplierBps = 15_000 // 1.5x
	DefaultSysAdminFeeBps   = 300    // 3% of the executor reward
)

// Values is a plain copy of the parameters.
type Values struct {
	Owner            string `json:"owner"`
	MinExecutorStake uint64 `json:"min_executor_stake"`
	MinProviderFunds uint64 `json:"min_provider_funds"`
	GasMultiplierBps uint64 `json:"gas_multiplier_bps"`
	SysAdminFeeBps   uint64 `json:"sysadmin_fee_bps"`
}

// Params is the shared configuration record.
type Params struct {
	writeMu sync.Mutex // single writer

	owner            atomic.Value // string
	minExecutorStake atomic.Uint64
	minProviderFunds atomic.Uint64
	gasMultiplierBps atomic.Uint64
	sysAdminFeeBps   atomic.Uint64
}

// New creates Params from v, applying the default multiplier when zero.
func New(v Values) (*Params, error) {
	if v.Owner == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "params owner is required")
	}
	if v.GasMultiplierBps == 0 {
		v.GasMultiplierBps = DefaultGasMultiplierBps
	}
	if v.GasMultiplierBps <= BasisPoints {
		return nil, fault.New(fault.CodeInvalidArgument, "gas multiplier must exceed 1.0 (got %d bps)", v.GasMultiplierBps)
	}
	if v.SysAdminFeeBps > BasisPoints {
		return nil, fault.New(fault.CodeInvalidArgument, "sysadmin fee cannot exceed 100%% (got %d bps)", v.SysAdminFeeBps)
	}

	p := &Params{}
	p.owner.Store(v.Owner)
	p.minExecutorStake.Store(v.MinExecutorStake)
	p.minProviderFunds.Store(v.MinProviderFunds)
	p.gasMultiplierBps.Store(v.GasMultiplierBps)
	p.sysAdminFeeBps.Store(v.SysAdminFeeBps)
	return p, nil
}

// MultiplierToBps converts a float multiplier such as 1.5 to basis points.
func MultiplierToBps(m float64) uint64 {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return 0
	}
	return uint64(math.Round(m * BasisPoints))
}

// Owner returns the owner account.
func (p *Params) Owner() string { return p.owner.Load().(string) }

// MinExecutorStake returns the stake floor for executing claims.
func (p *Params) MinExecutorStake() uint64 { return p.minExecutorStake.Load() }

// MinProviderFunds returns the funds floor a provider must keep above deposits.
func (p *Params) MinProviderFunds() uint64 { return p.minProviderFunds.Load() }

// GasMultiplierBps returns the deposit safety factor in basis points.
func (p *Params) GasMultiplierBps() uint64 { return p.gasMultiplierBps.Load() }

// SysAdminFeeBps returns the protocol fee fraction in basis points.
func (p *Params) SysAdminFeeBps() uint64 { return p.sysAdminFeeBps.Load() }

// IsOwner reports whether caller is the owner.
func (p *Params) IsOwner(caller string) bool { return caller != "" && caller == p.Owner() }

// Values returns a copy of the current parameters.
func (p *Params) Values() Values {
	return Values{
		Owner:            p.Owner(),
		MinExecutorStake: p.MinExecutorStake(),
		MinProviderFunds: p.MinProviderFunds(),
		GasMultiplierBps: p.GasMultiplierBps(),
		SysAdminFeeBps:   p.SysAdminFeeBps(),
	}
}

// SetMinExecutorStake updates the executor stake floor. Returns (old, new).
func (p *Params) SetMinExecutorStake(caller string, v uint64) (uint64, uint64, error) {
	return p.set(caller, &p.minExecutorStake, v)
}

// SetMinProviderFunds updates the provider funds floor. Returns (old, new).
func (p *Params) SetMinProviderFunds(caller string, v uint64) (uint64, uint64, error) {
	return p.set(caller, &p.minProviderFunds, v)
}

// SetGasMultiplierBps updates the deposit multiplier. Returns (old, new).
func (p *Params) SetGasMultiplierBps(caller string, v uint64) (uint64, uint64, error) {
	if v <= BasisPoints {
		return 0, 0, fault.New(fault.CodeInvalidArgument, "gas multiplier must exceed 1.0 (got %d bps)", v)
	}
	return p.set(caller, &p.gasMultiplierBps, v)
}

// SetSysAdminFeeBps updates the protocol fee fraction. Returns (old, new).
func (p *Params) SetSysAdminFeeBps(caller string, v uint64) (uint64, uint64, error) {
	if v > BasisPoints {
		return 0, 0, fault.New(fault.CodeInvalidArgument, "sysadmin fee cannot exceed 100%% (got %d bps)", v)
	}
	return p.set(caller, &p.sysAdminFeeBps, v)
}

func (p *Params) set(caller string, field *atomic.Uint64, v uint64) (uint64, uint64, error) {
	if !p.IsOwner(caller) {
		return 0, 0, fault.New(fault.CodeUnauthorized, "caller is not the owner").WithAccount(caller)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	old := field.Swap(v)
	return old, v, nil
}

// Restore overwrites every field from a persisted copy without an owner
// check. Used when rebuilding state from the store.
func (p *Params) Restore(v Values) error {
	fresh, err := New(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.owner.Store(fresh.Owner())
	p.minExecutorStake.Store(fresh.MinExecutorStake())
	p.minProviderFunds.Store(fresh.MinProviderFunds())
	p.gasMultiplierBps.Store(fresh.GasMultiplierBps())
	p.sysAdminFeeBps.Store(fresh.SysAdminFeeBps())
	return nil
}
