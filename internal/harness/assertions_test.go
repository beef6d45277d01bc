package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Kind: "funds_provided", Account: "prov", Data: map[string]any{"amount": uint64(100), "balance": uint64(100)}},
		{Seq: 2, Kind: "claim_minted", ClaimID: 1, Account: "prov", Data: map[string]any{"deposit": uint64(50), "user": "alice"}},
		{Seq: 3, Kind: "claim_executed", ClaimID: 1, Account: "exec", Data: map[string]any{"reward": uint64(33)}},
		{Seq: 4, Kind: "claim_minted", ClaimID: 2, Account: "prov", Data: map[string]any{"deposit": uint64(45), "user": "bob"}},
	}
}

func TestAssertEventContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertEventContains(trace, Assertion{Kind: "claim_minted", Data: map[string]any{"deposit": 45}}))
	assert.NoError(t, assertEventContains(trace, Assertion{Kind: "claim_executed"}))

	err := assertEventContains(trace, Assertion{Kind: "claim_minted", Data: map[string]any{"deposit": 45, "user": "alice"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertEventContains, ae.Type)
	assert.Contains(t, err.Error(), "[2] claim_minted claim=1 account=prov")
}

func TestAssertEventOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertEventOrder(trace, Assertion{Kinds: []string{"funds_provided", "claim_minted", "claim_executed"}}))

	err := assertEventOrder(trace, Assertion{Kinds: []string{"claim_executed", "claim_minted"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim_executed (pos 3) should be before claim_minted (pos 2)")

	err = assertEventOrder(trace, Assertion{Kinds: []string{"claim_minted", "claim_expired"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing kind: claim_expired")
}

func TestAssertEventCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertEventCount(trace, Assertion{Kind: "claim_minted", Count: 2}))
	assert.NoError(t, assertEventCount(trace, Assertion{Kind: "claim_cancelled", Count: 0}))

	err := assertEventCount(trace, Assertion{Kind: "claim_minted", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appears 2 times")
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"deposit": uint64(50),
		"state":   "minted",
		"refs":    []string{"A", "B"},
		"ok":      true,
	}

	assert.Empty(t, matchSubset(actual, map[string]any{"deposit": 50, "state": "minted"}))
	assert.Empty(t, matchSubset(actual, map[string]any{"refs": []any{"A", "B"}, "ok": true}))
	assert.Empty(t, matchSubset(actual, nil))

	diffs := matchSubset(actual, map[string]any{"deposit": 51, "missing": 1, "state": 2.5})
	require.Len(t, diffs, 3)
	assert.Equal(t, "deposit: expected 51, got 50", diffs[0])
	assert.Equal(t, "missing: missing", diffs[1])
	assert.Contains(t, diffs[2], "floats are forbidden")
}

func TestAssertFinalState(t *testing.T) {
	s := baseScenario()
	s.Flow = []Step{mintStep(nil)}
	s.Assertions = []Assertion{{Type: AssertEventCount, Kind: "claim_minted", Count: 1}}
	r, err := newRunner(s, runConfig{logger: discardLogger()})
	require.NoError(t, err)
	for _, step := range append(s.Setup, s.Flow...) {
		_, err := r.apply(t.Context(), step)
		require.NoError(t, err)
	}
	actx := &AssertionContext{Core: r.core}

	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"provider balance", Assertion{Target: TargetBalance, Where: map[string]any{"pool": "provider", "id": "prov"}, Expect: map[string]any{"balance": 50}}, ""},
		{"escrow balance", Assertion{Target: TargetBalance, Where: map[string]any{"pool": "escrow", "id": "1"}, Expect: map[string]any{"balance": 50}}, ""},
		{"unknown account", Assertion{Target: TargetBalance, Where: map[string]any{"pool": "executor", "id": "ghost"}, Expect: map[string]any{"balance": 0}}, ""},
		{"claim", Assertion{Target: TargetClaim, Where: map[string]any{"id": 1}, Expect: map[string]any{"state": "minted", "user": "alice", "escrow": 50}}, ""},
		{"params", Assertion{Target: TargetParams, Expect: map[string]any{"owner": "sysadmin", "gas_multiplier_bps": 15000, "sysadmin_funds": 0}}, ""},
		{"wrong balance", Assertion{Target: TargetBalance, Where: map[string]any{"pool": "provider", "id": "prov"}, Expect: map[string]any{"balance": 51}}, "balance: expected 51, got 50"},
		{"missing claim", Assertion{Target: TargetClaim, Where: map[string]any{"id": 7}, Expect: map[string]any{"state": "minted"}}, "NOT_FOUND"},
		{"missing where", Assertion{Target: TargetBalance, Where: map[string]any{"pool": "provider"}, Expect: map[string]any{"balance": 1}}, `argument "id": is required`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(actx, tt.a)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.Error(t, assertFinalState(nil, Assertion{Target: TargetParams}))
}

func TestEvaluateAssertions_CollectsAll(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	msgs := EvaluateAssertions(result, []Assertion{
		{Type: AssertEventCount, Kind: "claim_minted", Count: 2},
		{Type: AssertEventCount, Kind: "claim_minted", Count: 3},
		{Type: AssertFinalState, Target: TargetParams, Expect: map[string]any{"owner": "x"}},
		{Type: "bogus"},
	}, nil)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "assertions[1]")
	assert.Contains(t, msgs[1], "assertions[2]: final_state requires a ledger")
	assert.Contains(t, msgs[2], `unknown assertion type "bogus"`)
}
