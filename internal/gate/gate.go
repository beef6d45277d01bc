// Package gate decides whether an executor may fulfill a claim and performs
// the fulfillment with fee settlement.
//
// CanExecute is read-only and lock-free. Execute takes the claim's lock,
// repeats every CanExecute check inside it, runs the action and settles the
// escrowed deposit, so exactly one executor can win a claim.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"math/bits"
	"strconv"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
)

// ReasonOK marks an admissible claim.
const ReasonOK fault.Code = "OK"

// Verdict is the outcome of an admission check.
type Verdict struct {
	ClaimID  uint64     `json:"claim_id"`
	Executor string     `json:"executor"`
	Reason   fault.Code `json:"reason"`
	Detail   string     `json:"detail,omitempty"`

	// Condition is the evaluated condition outcome, set once evaluation ran.
	Condition *plugin.Outcome `json:"condition,omitempty"`
}

// OK reports whether the executor may execute now.
func (v Verdict) OK() bool { return v.Reason == ReasonOK }

// Retryable reports whether the verdict may change without the claim being
// closed: a condition may become true, an executor may top up its stake, a
// provider may restore a whitelist entry. Inactive claims and wrong
// executors never become executable.
func (v Verdict) Retryable() bool {
	switch v.Reason {
	case fault.CodeConditionNotMet, fault.CodeExecutorUnderstaked, fault.CodeNotWhitelisted:
		return true
	}
	return false
}

// Err converts a rejecting verdict to a fault. Returns nil when OK.
func (v Verdict) Err() error {
	if v.OK() {
		return nil
	}
	e := fault.New(v.Reason, "claim not executable").WithClaim(v.ClaimID).WithAccount(v.Executor)
	if v.Detail != "" {
		e.WithDetail("detail", v.Detail)
	}
	return e
}

// Settlement records how an executed claim's deposit was distributed.
type Settlement struct {
	ClaimID  uint64 `json:"claim_id"`
	Executor string `json:"executor"`
	Provider string `json:"provider"`
	Deposit  uint64 `json:"deposit"`
	GasUsed  uint64 `json:"gas_used"`
	GasPrice uint64 `json:"gas_price"`
	// Reward is credited to the executor's stake.
	Reward uint64 `json:"reward"`
	// Fee is credited to the sysadmin pool.
	Fee uint64 `json:"fee"`
	// Refund is returned to the provider.
	Refund uint64 `json:"refund"`
}

// Stakes is the stake query the gate needs.
type Stakes interface {
	IsMinStaked(executor string) bool
}

// Config wires a Gate to its collaborators.
type Config struct {
	Claims  *claims.Registry
	Ledger  *ledger.Ledger
	Params  *params.Params
	Stakes  Stakes
	Catalog *plugin.Catalog
	Feed    gasprice.Feed
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Gate implements CanExecute and Execute.
type Gate struct {
	cfg Config
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{cfg: cfg}
}

// CanExecute reports whether executor may execute claim id right now.
// It never takes the claim lock and has no side effects beyond evaluating
// the read-only condition.
func (g *Gate) CanExecute(ctx context.Context, id uint64, executor string) Verdict {
	c, err := g.cfg.Claims.Get(id)
	if err != nil {
		return Verdict{ClaimID: id, Executor: executor, Reason: fault.CodeClaimNotActive, Detail: "claim not found"}
	}
	if c.State != claims.StateMinted {
		return Verdict{ClaimID: id, Executor: executor, Reason: fault.CodeClaimNotActive, Detail: c.State.String()}
	}
	return g.check(ctx, c, executor)
}

// check runs every admission step after the liveness check.
func (g *Gate) check(ctx context.Context, c claims.Claim, executor string) Verdict {
	v := Verdict{ClaimID: c.ID, Executor: executor}
	reject := func(code fault.Code, detail string) Verdict {
		v.Reason, v.Detail = code, detail
		return v
	}

	if c.Expired(g.cfg.Clock.Now()) {
		return reject(fault.CodeClaimNotActive, "expired")
	}
	if c.Executor != "" && c.Executor != executor {
		return reject(fault.CodeWrongExecutor, "claim is bound to "+c.Executor)
	}
	if !g.cfg.Stakes.IsMinStaked(executor) {
		return reject(fault.CodeExecutorUnderstaked, "stake below "+strconv.FormatUint(g.cfg.Params.MinExecutorStake(), 10))
	}
	if err := g.cfg.Claims.CheckWhitelisted(c); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return reject(fault.CodeNotWhitelisted, fe.Message)
		}
		return reject(fault.CodeNotWhitelisted, err.Error())
	}

	if detail := g.unsettleable(c, executor); detail != "" {
		return reject(fault.CodeInsufficientFunds, detail)
	}

	cond, err := g.cfg.Catalog.Condition(c.Condition.Ref)
	if err != nil {
		return reject(fault.CodeConditionNotMet, err.Error())
	}
	out, err := cond.Evaluate(ctx, c.Condition.Payload)
	if err != nil {
		v.Condition = &out
		return reject(fault.CodeConditionNotMet, "evaluation failed: "+err.Error())
	}
	v.Condition = &out
	if !out.Met {
		return reject(fault.CodeConditionNotMet, "")
	}
	v.Reason = ReasonOK
	return v
}

// Execute fulfills claim id on behalf of executor.
//
// On success the claim is Executed and its deposit is split between the
// executor's stake (reward), the sysadmin pool (fee) and the provider
// (refund). If the action fails the claim stays Minted and no funds move.
// A claim whose deposit cannot be split is refused before its action runs.
func (g *Gate) Execute(ctx context.Context, id uint64, executor string) (Settlement, error) {
	var s Settlement
	_, err := g.cfg.Claims.Fulfill(ctx, id, func(c claims.Claim) error {
		v := g.check(ctx, c, executor)
		if !v.OK() {
			return v.Err()
		}

		action, err := g.cfg.Catalog.Action(c.Action.Ref)
		if err != nil {
			return fault.Wrap(fault.CodeActionExecutionFailed, err, "action unavailable").WithClaim(c.ID)
		}
		actionGas, err := action.Execute(ctx, c.Action.Payload)
		if err != nil {
			g.cfg.Logger.Info("action failed", "claim", c.ID, "executor", executor, "error", err)
			return fault.Wrap(fault.CodeActionExecutionFailed, err, "action %s failed", c.Action.Ref).WithClaim(c.ID)
		}

		gasUsed, carry := bits.Add64(v.Condition.GasUsed, actionGas, 0)
		if carry != 0 {
			gasUsed = ^uint64(0)
		}
		price, err := g.cfg.Feed.GasPrice(ctx)
		if err != nil {
			g.cfg.Logger.Warn("gas price feed failed at settlement, using minted price",
				"claim", c.ID, "minted_price", c.GasPrice, "error", err)
			price = c.GasPrice
		}

		s = Compute(c, executor, gasUsed, price, g.cfg.Params.SysAdminFeeBps())
		err = g.cfg.Ledger.Split(ledger.PoolEscrow, ledger.EscrowID(c.ID),
			ledger.Leg{Pool: ledger.PoolExecutor, ID: executor, Amount: s.Reward},
			ledger.Leg{Pool: ledger.PoolSysAdmin, ID: ledger.SysAdminID, Amount: s.Fee},
			ledger.Leg{Pool: ledger.PoolProvider, ID: c.Provider, Amount: s.Refund},
		)
		if err != nil {
			g.cfg.Logger.Error("invariant_violation",
				"op", "settle",
				"claim", c.ID,
				"deposit", c.MintedDeposit,
				"escrow", g.cfg.Ledger.Balance(ledger.PoolEscrow, ledger.EscrowID(c.ID)),
				"error", err)
			return fault.Wrap(fault.CodeInsufficientFunds, err, "settlement failed").WithClaim(c.ID).AsFatal()
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	g.cfg.Logger.Debug("claim executed",
		"claim", s.ClaimID,
		"executor", s.Executor,
		"gas_used", s.GasUsed,
		"reward", s.Reward,
		"fee", s.Fee,
		"refund", s.Refund)
	return s, nil
}

// unsettleable reports why c's deposit could not be split for executor, or
// "" if it can. It runs before the action, since a claim whose split fails
// stays Minted and could have its action run again.
func (g *Gate) unsettleable(c claims.Claim, executor string) string {
	l := g.cfg.Ledger
	if l.Balance(ledger.PoolEscrow, ledger.EscrowID(c.ID)) < c.MintedDeposit {
		return "escrow below minted deposit"
	}
	limit := ^uint64(0) - c.MintedDeposit
	switch {
	case l.Balance(ledger.PoolExecutor, executor) > limit:
		return "executor stake would overflow"
	case l.Balance(ledger.PoolSysAdmin, ledger.SysAdminID) > limit:
		return "sysadmin funds would overflow"
	case l.Balance(ledger.PoolProvider, c.Provider) > limit:
		return "provider funds would overflow"
	}
	return ""
}

// Compute splits c's deposit for an execution that used gasUsed at price:
//
//	reward = min(gasUsed * price, deposit)
//	fee    = min(reward * feeBps / 10000, deposit - reward)
//	refund = deposit - reward - fee
func Compute(c claims.Claim, executor string, gasUsed, price, feeBps uint64) Settlement {
	deposit := c.MintedDeposit
	s := Settlement{
		ClaimID:  c.ID,
		Executor: executor,
		Provider: c.Provider,
		Deposit:  deposit,
		GasUsed:  gasUsed,
		GasPrice: price,
	}

	hi, cost := bits.Mul64(gasUsed, price)
	if hi != 0 || cost > deposit {
		cost = deposit
	}
	s.Reward = cost

	hi, lo := bits.Mul64(cost, min(feeBps, params.BasisPoints))
	fee, _ := bits.Div64(hi, lo, params.BasisPoints)
	s.Fee = min(fee, deposit-cost)
	s.Refund = deposit - cost - s.Fee
	return s
}
