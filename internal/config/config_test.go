package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/testutil"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Network.Owner)
	assert.Equal(t, 1.5, cfg.Network.GasMultiplier)
	assert.Equal(t, uint64(params.DefaultSysAdminFeeBps), cfg.Network.SysAdminFeeBps)
	assert.Equal(t, "30s", cfg.Network.GasPrice.Refresh)
	assert.Equal(t, "gelato.db", cfg.DB)
	assert.Len(t, cfg.Plugins.Conditions, 3)
	assert.Len(t, cfg.Plugins.Actions, 2)
	assert.Empty(t, cfg.Agents)

	// Owner and gas price are required but may come from the environment
	assert.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "network.cue"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, params.Values{
		Owner:            "sysadmin",
		MinExecutorStake: 10,
		MinProviderFunds: 10,
		GasMultiplierBps: 20_000,
		SysAdminFeeBps:   1_000,
	}, cfg.Params())
	assert.Equal(t, []plugin.Spec{{Ref: "ConditionTimestampPassed", Kind: "timestamp", Gas: 1}}, cfg.Plugins.Conditions)
	assert.Equal(t, "network.db", cfg.DB)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, Agent{Executor: "exec", Interval: "250ms", Burst: 1}, cfg.Agents[0])

	world := cfg.NewWorld(testutil.NewManualClock(time.Time{}))
	assert.Equal(t, uint64(500), world.BalanceOf("DAI", "user"))

	cat, err := cfg.Catalog(world)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Ref{"ActionNoop"}, cat.ActionRefs())

	feed, cached, err := cfg.Feed(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, cached)
	assert.Equal(t, gasprice.Static(11), feed)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `bogus: 1`},
		{"multiplier not above one", `network: gasMultiplier: 1.0`},
		{"fee above 100%", `network: sysAdminFeeBps: 10001`},
		{"negative stake", `network: minExecutorStake: -1`},
		{"unknown plugin kind", `plugins: conditions: [{ref: "x", kind: "oracle", gas: 1}]`},
		{"empty ref", `plugins: actions: [{ref: "", kind: "noop", gas: 1}]`},
		{"syntax", `network: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			require.Error(t, err)
			var le *LoadError
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse("x.cue", []byte(`network: gasPrice: refresh: "5s"`))
	require.NoError(t, err)

	cfg.ApplyEnv(map[string]string{
		EnvOwner:       "env-owner",
		EnvDB:          "env.db",
		EnvGasPriceURL: "http://127.0.0.1:1/gas",
	})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "env-owner", cfg.Network.Owner)
	assert.Equal(t, "env.db", cfg.DB)

	feed, cached, err := cfg.Feed(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Same(t, cached, feed)

	// Empty values do not clear
	cfg.ApplyEnv(map[string]string{EnvOwner: ""})
	assert.Equal(t, "env-owner", cfg.Network.Owner)
}

func TestReadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GELATO_OWNER=dotenv-owner\nGELATO_DB=dotenv.db\n"), 0o600))
	t.Setenv(EnvDB, "process.db")

	env, err := ReadEnv(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "dotenv-owner", env[EnvOwner])
	assert.Equal(t, "process.db", env[EnvDB], "process environment wins")
}

func TestValidate_BadDurations(t *testing.T) {
	cfg, err := Parse("x.cue", []byte(`
		network: {owner: "o", gasPrice: {static: 1, refresh: "soon"}}
	`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg, err = Parse("x.cue", []byte(`
		network: {owner: "o", gasPrice: static: 1}
		agents: [{executor: "e", interval: "fast"}]
	`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
