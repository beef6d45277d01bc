package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
)

// opFunc applies one step. A returned *ArgError aborts the run; any other
// error is the step's outcome.
type opFunc func(ctx context.Context, r *runner, a args) (map[string]any, error)

// ops maps step names to implementations.
var ops = map[string]opFunc{
	"provide_funds":          opProvideFunds,
	"unprovide_funds":        opUnprovideFunds,
	"whitelist":              opWhitelist,
	"dewhitelist":            opDewhitelist,
	"stake":                  opStake,
	"unstake":                opUnstake,
	"set_price":              opSetPrice,
	"mint":                   opMint,
	"cancel":                 opCancel,
	"expire":                 opExpire,
	"can_execute":            opCanExecute,
	"execute":                opExecute,
	"deposit_quote":          opDepositQuote,
	"set_min_executor_stake": paramOp(func(r *runner) paramSetter { return r.core.SetMinExecutorStake }),
	"set_min_provider_funds": paramOp(func(r *runner) paramSetter { return r.core.SetMinProviderFunds }),
	"set_gas_multiplier":     paramOp(func(r *runner) paramSetter { return r.core.SetGasMultiplierBps }),
	"set_sysadmin_fee":       paramOp(func(r *runner) paramSetter { return r.core.SetSysAdminFeeBps }),
	"withdraw":               opWithdraw,
	"advance_clock":          opAdvanceClock,
	"set_gas_price":          opSetGasPrice,
	"set_balance":            opSetBalance,
	"set_rate":               opSetRate,
}

// Ops returns the supported step names.
func Ops() []string {
	out := make([]string, 0, len(ops))
	for name := range ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ArgError reports a malformed step argument.
type ArgError struct {
	Op  string
	Arg string
	Msg string
}

// Error implements the error interface.
func (e *ArgError) Error() string {
	return fmt.Sprintf("%s: argument %q: %s", e.Op, e.Arg, e.Msg)
}

// args reads typed step arguments.
type args struct {
	op string
	m  map[string]any
}

func (a args) fail(name, format string, v ...any) error {
	return &ArgError{Op: a.op, Arg: name, Msg: fmt.Sprintf(format, v...)}
}

func (a args) str(name string) (string, error) {
	v, ok := a.m[name]
	if !ok {
		return "", a.fail(name, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", a.fail(name, "must be a string, got %T", v)
	}
	return s, nil
}

func (a args) optStr(name string) (string, error) {
	if _, ok := a.m[name]; !ok {
		return "", nil
	}
	return a.str(name)
}

func (a args) u64(name string) (uint64, error) {
	v, ok := a.m[name]
	if !ok {
		return 0, a.fail(name, "is required")
	}
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, a.fail(name, "must be non-negative")
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, a.fail(name, "must be non-negative")
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, a.fail(name, "must be a non-negative integer")
		}
		return uint64(n), nil
	default:
		return 0, a.fail(name, "must be an integer, got %T", v)
	}
}

func (a args) strs(name string) ([]string, error) {
	v, ok := a.m[name]
	if !ok {
		return nil, a.fail(name, "is required")
	}
	switch list := v.(type) {
	case string:
		return []string{list}, nil
	case []any:
		out := make([]string, len(list))
		for i, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, a.fail(name, "[%d] must be a string, got %T", i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, a.fail(name, "must be a string or list of strings, got %T", v)
	}
}

func (a args) duration(name string) (time.Duration, error) {
	s, err := a.str(name)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, a.fail(name, "%v", err)
	}
	return d, nil
}

func (a args) payload(name string) (json.RawMessage, error) {
	v, ok := a.m[name]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, a.fail(name, "%v", err)
	}
	return raw, nil
}

func (a args) kind(name string) (registry.Kind, error) {
	s, err := a.str(name)
	if err != nil {
		return "", err
	}
	k := registry.Kind(s)
	if !k.Valid() {
		return "", a.fail(name, "unknown kind %q", s)
	}
	return k, nil
}

func amountOp(fn func(ctx context.Context, r *runner, who string, amount uint64) (uint64, error), who, out string) opFunc {
	return func(ctx context.Context, r *runner, a args) (map[string]any, error) {
		id, err := a.str(who)
		if err != nil {
			return nil, err
		}
		amount, err := a.u64("amount")
		if err != nil {
			return nil, err
		}
		bal, err := fn(ctx, r, id, amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{out: bal}, nil
	}
}

var (
	opProvideFunds = amountOp(func(ctx context.Context, r *runner, p string, n uint64) (uint64, error) {
		return r.core.ProvideFunds(ctx, p, n)
	}, "provider", "balance")
	opUnprovideFunds = amountOp(func(ctx context.Context, r *runner, p string, n uint64) (uint64, error) {
		return r.core.UnprovideFunds(ctx, p, n)
	}, "provider", "balance")
	opStake = amountOp(func(ctx context.Context, r *runner, e string, n uint64) (uint64, error) {
		return r.core.Stake(ctx, e, n)
	}, "executor", "stake")
	opUnstake = amountOp(func(ctx context.Context, r *runner, e string, n uint64) (uint64, error) {
		return r.core.Unstake(ctx, e, n)
	}, "executor", "stake")
)

func whitelistOp(remove bool) opFunc {
	return func(ctx context.Context, r *runner, a args) (map[string]any, error) {
		provider, err := a.str("provider")
		if err != nil {
			return nil, err
		}
		caller, err := a.optStr("caller")
		if err != nil {
			return nil, err
		}
		if caller == "" {
			caller = provider
		}
		kind, err := a.kind("kind")
		if err != nil {
			return nil, err
		}
		names, err := a.strs("refs")
		if err != nil {
			return nil, err
		}
		refs := make([]plugin.Ref, len(names))
		for i, n := range names {
			refs[i] = plugin.Ref(n)
		}

		var changed []plugin.Ref
		if remove {
			changed, err = r.core.Dewhitelist(ctx, caller, provider, kind, refs...)
		} else {
			changed, err = r.core.Whitelist(ctx, caller, provider, kind, refs...)
		}
		if err != nil {
			return nil, err
		}
		if changed == nil {
			changed = []plugin.Ref{}
		}
		return map[string]any{"refs": changed}, nil
	}
}

var (
	opWhitelist   = whitelistOp(false)
	opDewhitelist = whitelistOp(true)
)

func opSetPrice(ctx context.Context, r *runner, a args) (map[string]any, error) {
	executor, err := a.str("executor")
	if err != nil {
		return nil, err
	}
	price, err := a.u64("price")
	if err != nil {
		return nil, err
	}
	old, cur, err := r.core.SetExecutorPrice(ctx, executor, price)
	if err != nil {
		return nil, err
	}
	return map[string]any{"old": old, "new": cur}, nil
}

func opMint(ctx context.Context, r *runner, a args) (map[string]any, error) {
	var req claims.MintRequest
	var err error
	if req.Provider, err = a.str("provider"); err != nil {
		return nil, err
	}
	if req.User, err = a.str("user"); err != nil {
		return nil, err
	}
	if req.Executor, err = a.optStr("executor"); err != nil {
		return nil, err
	}
	cond, err := a.str("condition")
	if err != nil {
		return nil, err
	}
	action, err := a.str("action")
	if err != nil {
		return nil, err
	}
	module, err := a.optStr("module")
	if err != nil {
		return nil, err
	}
	req.Condition.Ref, req.Action.Ref, req.Module = plugin.Ref(cond), plugin.Ref(action), plugin.Ref(module)
	if req.Condition.Payload, err = a.payload("condition_payload"); err != nil {
		return nil, err
	}
	if req.Action.Payload, err = a.payload("action_payload"); err != nil {
		return nil, err
	}
	if _, ok := a.m["expires_in"]; ok {
		d, err := a.duration("expires_in")
		if err != nil {
			return nil, err
		}
		exp := r.clock.Now().Add(d)
		req.Expiry = &exp
	}

	c, err := r.core.Mint(ctx, req)
	if err != nil {
		return nil, err
	}
	return claimResult(c), nil
}

func claimResult(c claims.Claim) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"state":     c.State.String(),
		"deposit":   c.MintedDeposit,
		"gas_price": c.GasPrice,
	}
}

func claimOp(fn func(ctx context.Context, r *runner, id uint64, a args) (claims.Claim, error)) opFunc {
	return func(ctx context.Context, r *runner, a args) (map[string]any, error) {
		id, err := a.u64("id")
		if err != nil {
			return nil, err
		}
		c, err := fn(ctx, r, id, a)
		if err != nil {
			return nil, err
		}
		return claimResult(c), nil
	}
}

var (
	opCancel = claimOp(func(ctx context.Context, r *runner, id uint64, a args) (claims.Claim, error) {
		caller, err := a.str("caller")
		if err != nil {
			return claims.Claim{}, err
		}
		return r.core.Cancel(ctx, id, caller)
	})
	opExpire = claimOp(func(ctx context.Context, r *runner, id uint64, _ args) (claims.Claim, error) {
		return r.core.Expire(ctx, id)
	})
)

func opCanExecute(ctx context.Context, r *runner, a args) (map[string]any, error) {
	id, err := a.u64("id")
	if err != nil {
		return nil, err
	}
	executor, err := a.str("executor")
	if err != nil {
		return nil, err
	}
	v := r.core.CanExecute(ctx, id, executor)
	res := map[string]any{"reason": string(v.Reason), "ok": v.OK(), "retryable": v.Retryable()}
	if v.Detail != "" {
		res["detail"] = v.Detail
	}
	return res, v.Err()
}

func opExecute(ctx context.Context, r *runner, a args) (map[string]any, error) {
	id, err := a.u64("id")
	if err != nil {
		return nil, err
	}
	executor, err := a.str("executor")
	if err != nil {
		return nil, err
	}
	s, err := r.core.Execute(ctx, id, executor)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"gas_used":  s.GasUsed,
		"gas_price": s.GasPrice,
		"reward":    s.Reward,
		"fee":       s.Fee,
		"refund":    s.Refund,
	}, nil
}

func opDepositQuote(ctx context.Context, r *runner, a args) (map[string]any, error) {
	cond, err := a.str("condition")
	if err != nil {
		return nil, err
	}
	action, err := a.str("action")
	if err != nil {
		return nil, err
	}
	executor, err := a.optStr("executor")
	if err != nil {
		return nil, err
	}
	q, err := r.core.MintingDeposit(ctx, plugin.Ref(cond), plugin.Ref(action), executor)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"condition_gas":      q.ConditionGas,
		"action_gas":         q.ActionGas,
		"gas_price":          q.GasPrice,
		"gas_multiplier_bps": q.GasMultiplierBps,
		"deposit":            q.Deposit,
	}, nil
}

type paramSetter func(ctx context.Context, caller string, v uint64) (uint64, uint64, error)

func paramOp(pick func(r *runner) paramSetter) opFunc {
	return func(ctx context.Context, r *runner, a args) (map[string]any, error) {
		caller, err := a.str("caller")
		if err != nil {
			return nil, err
		}
		v, err := a.u64("value")
		if err != nil {
			return nil, err
		}
		old, cur, err := pick(r)(ctx, caller, v)
		if err != nil {
			return nil, err
		}
		return map[string]any{"old": old, "new": cur}, nil
	}
}

func opWithdraw(ctx context.Context, r *runner, a args) (map[string]any, error) {
	caller, err := a.str("caller")
	if err != nil {
		return nil, err
	}
	amount, err := a.u64("amount")
	if err != nil {
		return nil, err
	}
	before, withdrawn, err := r.core.WithdrawSysAdminFunds(ctx, caller, amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"before": before, "withdrawn": withdrawn}, nil
}

func opAdvanceClock(_ context.Context, r *runner, a args) (map[string]any, error) {
	d, err := a.duration("by")
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, a.fail("by", "must be positive")
	}
	now := r.clock.Advance(d)
	return map[string]any{"now": now.Unix()}, nil
}

func opSetGasPrice(_ context.Context, r *runner, a args) (map[string]any, error) {
	price, err := a.u64("price")
	if err != nil {
		return nil, err
	}
	r.feed.Set(price)
	return map[string]any{"price": price}, nil
}

func opSetBalance(_ context.Context, r *runner, a args) (map[string]any, error) {
	token, err := a.str("token")
	if err != nil {
		return nil, err
	}
	account, err := a.str("account")
	if err != nil {
		return nil, err
	}
	amount, err := a.u64("amount")
	if err != nil {
		return nil, err
	}
	r.world.SetBalance(token, account, amount)
	return map[string]any{"amount": amount}, nil
}

func opSetRate(_ context.Context, r *runner, a args) (map[string]any, error) {
	src, err := a.str("src")
	if err != nil {
		return nil, err
	}
	dest, err := a.str("dest")
	if err != nil {
		return nil, err
	}
	rate, err := a.u64("rate")
	if err != nil {
		return nil, err
	}
	r.world.SetRate(src, dest, rate)
	return map[string]any{"rate": rate}, nil
}
