package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one step"
network:
  owner: sysadmin
  gas_price: 1
flow:
  - op: provide_funds
    args: {provider: prov, amount: 1}
assertions:
  - type: event_count
    kind: funds_provided
    count: 1
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "sysadmin", s.Network.Owner)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, "provide_funds", s.Flow[0].Op)
	assert.Equal(t, 1, s.Flow[0].Args["amount"])
	assert.Nil(t, s.Flow[0].Expect)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
network: {owner: o}
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: "name is required",
		},
		{
			name: "missing owner",
			yaml: `
name: n
description: d
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: "network.owner is required",
		},
		{
			name: "empty flow",
			yaml: `
name: n
description: d
network: {owner: o}
flow: []
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: "flow list is required",
		},
		{
			name: "unknown op",
			yaml: `
name: n
description: d
network: {owner: o}
flow: [{op: launch, args: {}}]
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: `flow[0]: unknown op "launch"`,
		},
		{
			name: "expect without code",
			yaml: `
name: n
description: d
network: {owner: o}
flow: [{op: stake, args: {executor: e, amount: 1}, expect: {result: {stake: 1}}}]
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: "flow[0].expect: code is required",
		},
		{
			name: "expect in setup",
			yaml: `
name: n
description: d
network: {owner: o}
setup: [{op: stake, args: {executor: e, amount: 1}, expect: {code: OK}}]
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: event_count, kind: staked, count: 1}]`,
			want: "setup[0]: expect is not allowed",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
network: {owner: o}
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: trace_contains}]`,
			want: `unknown assertion type "trace_contains"`,
		},
		{
			name: "final_state target",
			yaml: `
name: n
description: d
network: {owner: o}
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: final_state, target: ledger, expect: {a: 1}}]`,
			want: `unknown final_state target "ledger"`,
		},
		{
			name: "event_order without kinds",
			yaml: `
name: n
description: d
network: {owner: o}
flow: [{op: stake, args: {executor: e, amount: 1}}]
assertions: [{type: event_order}]`,
			want: "kinds list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := ScenarioFiles("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestOps_Sorted(t *testing.T) {
	names := Ops()
	assert.Contains(t, names, "mint")
	assert.Contains(t, names, "set_rate")
	assert.IsIncreasing(t, names)
}
