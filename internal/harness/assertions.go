package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rabbitholeanalytics/gelato-network/internal/canon"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Kind)
			if event.ClaimID != 0 {
				fmt.Fprintf(&buf, " claim=%d", event.ClaimID)
			}
			if event.Account != "" {
				fmt.Fprintf(&buf, " account=%s", event.Account)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext provides the ledger for final_state assertions.
type AssertionContext struct {
	Core *engine.Core
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertEventContains:
			err = assertEventContains(result.Trace, a)
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, a)
		case AssertEventCount:
			err = assertEventCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

// assertEventContains checks for an event of the given kind whose data
// contains the expected fields.
func assertEventContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Kind == a.Kind && len(matchSubset(event.Data, a.Data)) == 0 {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEventContains,
		Expected: fmt.Sprintf("event %s with data %v", a.Kind, a.Data),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertEventOrder checks that the first occurrence of each kind appears
// in the given order. Intervening events are allowed.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Kind]; !seen {
			positions[event.Kind] = i + 1
		}
	}

	for _, kind := range a.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", kind),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertEventCount checks that kind appears exactly Count times.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Kind == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Kind, a.Count),
			Actual:   fmt.Sprintf("appears %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares a ledger record against expected fields.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	if actx == nil || actx.Core == nil {
		return fmt.Errorf("final_state requires a ledger")
	}
	record, err := stateRecord(actx.Core, a)
	if err != nil {
		return err
	}
	if diffs := matchSubset(record, a.Expect); len(diffs) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %v matches %v", a.Target, a.Where, a.Expect),
			Actual:   strings.Join(diffs, "; "),
		}
	}
	return nil
}

func stateRecord(core *engine.Core, a Assertion) (map[string]any, error) {
	where := args{op: AssertFinalState, m: a.Where}
	switch a.Target {
	case TargetBalance:
		pool, err := where.str("pool")
		if err != nil {
			return nil, err
		}
		id, err := where.str("id")
		if err != nil {
			return nil, err
		}
		var bal uint64
		for _, e := range core.Balances() {
			if e.Pool == ledger.Pool(pool) && e.ID == id {
				bal = e.Balance
			}
		}
		return map[string]any{"balance": bal}, nil
	case TargetClaim:
		id, err := where.u64("id")
		if err != nil {
			return nil, err
		}
		c, err := core.Claim(id)
		if err != nil {
			return nil, err
		}
		m, err := toMap(c)
		if err != nil {
			return nil, err
		}
		m["escrow"] = core.Escrow(id)
		return m, nil
	case TargetParams:
		m, err := toMap(core.Params())
		if err != nil {
			return nil, err
		}
		m["sysadmin_funds"] = core.SysAdminFunds()
		return m, nil
	default:
		return nil, fmt.Errorf("unknown final_state target %q", a.Target)
	}
}

// toMap renders v as a generic JSON object.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// matchSubset compares every expected field against actual by canonical
// JSON encoding, so YAML ints match uint64 ledger amounts. Returns one
// message per mismatch, in key order.
func matchSubset(actual, expected map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var diffs []string
	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("%s: missing", k))
			continue
		}
		want, err := canon.Marshal(expected[k])
		if err != nil {
			diffs = append(diffs, fmt.Sprintf("%s: expected value: %v", k, err))
			continue
		}
		have, err := canon.Marshal(got)
		if err != nil {
			diffs = append(diffs, fmt.Sprintf("%s: actual value: %v", k, err))
			continue
		}
		if !bytes.Equal(want, have) {
			diffs = append(diffs, fmt.Sprintf("%s: expected %s, got %s", k, want, have))
		}
	}
	return diffs
}
