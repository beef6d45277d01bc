// Package plugin defines the capability interfaces for Conditions and Actions
// and a small set of built-in variants.
//
// The ledger core never looks inside a plugin. It only needs:
//   - a Condition's boolean outcome and gas used (read-only evaluation)
//   - an Action's success/failure and gas used (state-changing execution)
//   - each plugin's declared gas profile, used to price mint deposits
//
// Built-in variants operate on a World, the external state collaborator.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
)

// Ref is a contract reference: the stable name or address of a deployed
// condition, action or provider module.
type Ref string

// Call pairs a plugin reference with its encoded payload.
type Call struct {
	Ref     Ref             `json:"ref"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outcome is the result of evaluating a Condition.
type Outcome struct {
	// Met is true when the condition holds.
	Met bool `json:"met"`

	// Value is the comparable quantity the condition inspected
	// (timestamp, balance, rate). Informational only.
	Value uint64 `json:"value"`

	// GasUsed is the gas consumed by the evaluation.
	GasUsed uint64 `json:"gas_used"`
}

// Condition is a read-only predicate over external state.
type Condition interface {
	Ref() Ref
	Kind() string
	// Gas is the worst-case cost of one evaluation.
	Gas() uint64
	Evaluate(ctx context.Context, payload json.RawMessage) (Outcome, error)
}

// Action is a state-changing operation triggered once its condition holds.
// Execute is all-or-nothing: a non-nil error means no effect was applied.
type Action interface {
	Ref() Ref
	Kind() string
	// Gas is the worst-case cost of one execution.
	Gas() uint64
	Execute(ctx context.Context, payload json.RawMessage) (gasUsed uint64, err error)
}

// Catalog maps references to plugin implementations.
// Safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	conditions map[Ref]Condition
	actions    map[Ref]Action
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		conditions: make(map[Ref]Condition),
		actions:    make(map[Ref]Action),
	}
}

// AddCondition registers c under c.Ref(). Duplicate references are rejected.
func (c *Catalog) AddCondition(cond Condition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.conditions[cond.Ref()]; dup {
		return fmt.Errorf("condition %q already registered", cond.Ref())
	}
	c.conditions[cond.Ref()] = cond
	return nil
}

// AddAction registers a under a.Ref(). Duplicate references are rejected.
func (c *Catalog) AddAction(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.actions[a.Ref()]; dup {
		return fmt.Errorf("action %q already registered", a.Ref())
	}
	c.actions[a.Ref()] = a
	return nil
}

// Condition looks up a condition. Fails with UNKNOWN_PLUGIN if absent.
func (c *Catalog) Condition(ref Ref) (Condition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cond, ok := c.conditions[ref]
	if !ok {
		return nil, fault.New(fault.CodeUnknownPlugin, "no condition registered for %q", ref)
	}
	return cond, nil
}

// Action looks up an action. Fails with UNKNOWN_PLUGIN if absent.
func (c *Catalog) Action(ref Ref) (Action, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actions[ref]
	if !ok {
		return nil, fault.New(fault.CodeUnknownPlugin, "no action registered for %q", ref)
	}
	return a, nil
}

// ConditionRefs returns registered condition references in sorted order.
func (c *Catalog) ConditionRefs() []Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]Ref, 0, len(c.conditions))
	for r := range c.conditions {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// ActionRefs returns registered action references in sorted order.
func (c *Catalog) ActionRefs() []Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]Ref, 0, len(c.actions))
	for r := range c.actions {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}
