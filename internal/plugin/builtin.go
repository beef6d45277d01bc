package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// Built-in variant kinds.
const (
	KindTimestamp = "timestamp"
	KindBalance   = "balance"
	KindRate      = "rate"
	KindTransfer  = "transfer"
	KindNoop      = "noop"
)

// TimestampPayload is the payload of a timestamp condition.
type TimestampPayload struct {
	// Timestamp is a unix time in seconds; the condition holds once now >= it.
	Timestamp int64 `json:"timestamp"`
}

// ThresholdPayload is the payload of a balance condition.
type ThresholdPayload struct {
	Token     string `json:"token"`
	Account   string `json:"account"`
	Threshold uint64 `json:"threshold"`
	// GreaterElseSmaller selects >= (true) or <= (false).
	GreaterElseSmaller bool `json:"greater_else_smaller"`
}

// RatePayload is the payload of a rate condition.
type RatePayload struct {
	Src                string `json:"src"`
	Dest               string `json:"dest"`
	RefRate            uint64 `json:"ref_rate"`
	GreaterElseSmaller bool   `json:"greater_else_smaller"`
}

// TransferPayload is the payload of a transfer action.
type TransferPayload struct {
	Token  string `json:"token"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type base struct {
	ref  Ref
	kind string
	gas  uint64
}

func (b base) Ref() Ref     { return b.ref }
func (b base) Kind() string { return b.kind }
func (b base) Gas() uint64  { return b.gas }

// compare applies a greater-else-smaller comparison.
func compare(value, ref uint64, greater bool) bool {
	if greater {
		return value >= ref
	}
	return value <= ref
}

func decode(ref Ref, payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%s: empty payload", ref)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", ref, err)
	}
	return nil
}

// Timestamp holds once the world clock reaches the payload timestamp.
type Timestamp struct {
	base
	world World
}

// Evaluate implements Condition.
func (c *Timestamp) Evaluate(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var p TimestampPayload
	if err := decode(c.ref, payload, &p); err != nil {
		return Outcome{GasUsed: c.gas}, err
	}
	now := c.world.Now().Unix()
	return Outcome{Met: now >= p.Timestamp, Value: uint64(max(now, 0)), GasUsed: c.gas}, nil
}

// Balance compares an account's token holding against a threshold.
type Balance struct {
	base
	world World
}

// Evaluate implements Condition.
func (c *Balance) Evaluate(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var p ThresholdPayload
	if err := decode(c.ref, payload, &p); err != nil {
		return Outcome{GasUsed: c.gas}, err
	}
	v := c.world.BalanceOf(p.Token, p.Account)
	return Outcome{Met: compare(v, p.Threshold, p.GreaterElseSmaller), Value: v, GasUsed: c.gas}, nil
}

// Rate compares a quoted exchange rate against a reference rate.
type Rate struct {
	base
	world World
}

// Evaluate implements Condition.
func (c *Rate) Evaluate(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	var p RatePayload
	if err := decode(c.ref, payload, &p); err != nil {
		return Outcome{GasUsed: c.gas}, err
	}
	v, err := c.world.Rate(p.Src, p.Dest)
	if err != nil {
		return Outcome{GasUsed: c.gas}, fmt.Errorf("%s: %w", c.ref, err)
	}
	return Outcome{Met: compare(v, p.RefRate, p.GreaterElseSmaller), Value: v, GasUsed: c.gas}, nil
}

// Transfer moves token units between world accounts.
type Transfer struct {
	base
	world World
}

// Execute implements Action.
func (a *Transfer) Execute(ctx context.Context, payload json.RawMessage) (uint64, error) {
	var p TransferPayload
	if err := decode(a.ref, payload, &p); err != nil {
		return 0, err
	}
	if p.Amount == 0 {
		return 0, fmt.Errorf("%s: zero amount", a.ref)
	}
	if err := a.world.Transfer(p.Token, p.From, p.To, p.Amount); err != nil {
		return 0, fmt.Errorf("%s: %w", a.ref, err)
	}
	return a.gas, nil
}

// Noop succeeds without effect.
type Noop struct {
	base
}

// Execute implements Action.
func (a *Noop) Execute(ctx context.Context, payload json.RawMessage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.gas, nil
}

// Spec declares one catalog entry.
type Spec struct {
	Ref  Ref    `json:"ref" yaml:"ref"`
	Kind string `json:"kind" yaml:"kind"`
	Gas  uint64 `json:"gas" yaml:"gas"`
}

// NewCondition builds a condition variant by kind.
func NewCondition(s Spec, world World) (Condition, error) {
	if s.Ref == "" {
		return nil, fmt.Errorf("condition ref is required")
	}
	b := base{ref: s.Ref, kind: s.Kind, gas: s.Gas}
	switch s.Kind {
	case KindTimestamp:
		return &Timestamp{base: b, world: world}, nil
	case KindBalance:
		return &Balance{base: b, world: world}, nil
	case KindRate:
		return &Rate{base: b, world: world}, nil
	default:
		return nil, fmt.Errorf("condition %s: unknown kind %q", s.Ref, s.Kind)
	}
}

// NewAction builds an action variant by kind.
func NewAction(s Spec, world World) (Action, error) {
	if s.Ref == "" {
		return nil, fmt.Errorf("action ref is required")
	}
	b := base{ref: s.Ref, kind: s.Kind, gas: s.Gas}
	switch s.Kind {
	case KindTransfer:
		return &Transfer{base: b, world: world}, nil
	case KindNoop:
		return &Noop{base: b}, nil
	default:
		return nil, fmt.Errorf("action %s: unknown kind %q", s.Ref, s.Kind)
	}
}

// BuildCatalog constructs a catalog from declared entries.
func BuildCatalog(world World, conditions, actions []Spec) (*Catalog, error) {
	cat := NewCatalog()
	for _, s := range conditions {
		c, err := NewCondition(s, world)
		if err != nil {
			return nil, err
		}
		if err := cat.AddCondition(c); err != nil {
			return nil, err
		}
	}
	for _, s := range actions {
		a, err := NewAction(s, world)
		if err != nil {
			return nil, err
		}
		if err := cat.AddAction(a); err != nil {
			return nil, err
		}
	}
	return cat, nil
}
