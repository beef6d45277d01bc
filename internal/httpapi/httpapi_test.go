package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/metrics"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/testutil"
)

type fixture struct {
	core    *engine.Core
	server  *httptest.Server
	claimID uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewManualClock(time.Time{})
	world := plugin.NewMemoryWorld(clk)
	cat, err := plugin.BuildCatalog(world,
		[]plugin.Spec{{Ref: "ConditionTimestampPassed", Kind: plugin.KindTimestamp, Gas: 1}},
		[]plugin.Spec{{Ref: "ActionNoop", Kind: plugin.KindNoop, Gas: 2}})
	require.NoError(t, err)

	col := metrics.NewCollector("test")
	core, err := engine.New(engine.Config{
		Params:  params.Values{Owner: "owner", MinExecutorStake: 10, MinProviderFunds: 10},
		Catalog: cat,
		Feed:    gasprice.Static(11),
	}, engine.WithClock(clk), engine.WithLogger(logger), engine.WithObserver(col))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = core.Whitelist(ctx, "prov", "prov", registry.KindCondition, "ConditionTimestampPassed")
	require.NoError(t, err)
	_, err = core.Whitelist(ctx, "prov", "prov", registry.KindAction, "ActionNoop")
	require.NoError(t, err)
	_, err = core.ProvideFunds(ctx, "prov", 100)
	require.NoError(t, err)
	_, err = core.Stake(ctx, "exec", 10)
	require.NoError(t, err)

	payload, _ := json.Marshal(plugin.TimestampPayload{Timestamp: testutil.Epoch.Unix()})
	c, err := core.Mint(ctx, claims.MintRequest{
		Provider:  "prov",
		User:      "user",
		Condition: plugin.Call{Ref: "ConditionTimestampPassed", Payload: payload},
		Action:    plugin.Call{Ref: "ActionNoop"},
	})
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logger), WithMetrics(col.Handler())}, opts...)
	srv := httptest.NewServer(New(core, opts...))
	t.Cleanup(srv.Close)
	return &fixture{core: core, server: srv, claimID: c.ID}
}

func (f *fixture) get(t *testing.T, path string, into any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

type errorBody struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestClaims(t *testing.T) {
	f := newFixture(t)

	var list struct {
		Claims []struct {
			ID     uint64 `json:"id"`
			State  string `json:"state"`
			Escrow uint64 `json:"escrow"`
		} `json:"claims"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/claims?state=minted&provider=prov", &list))
	require.Len(t, list.Claims, 1)
	assert.Equal(t, f.claimID, list.Claims[0].ID)
	assert.Equal(t, "minted", list.Claims[0].State)
	assert.Equal(t, uint64(50), list.Claims[0].Escrow)

	list.Claims = nil
	require.Equal(t, http.StatusOK, f.get(t, "/claims?state=executed", &list))
	assert.Empty(t, list.Claims)

	var bad errorBody
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/claims?state=bogus", &bad))
	assert.Equal(t, "INVALID_ARGUMENT", bad.Error.Code)
}

func TestGetClaim(t *testing.T) {
	f := newFixture(t)

	var c struct {
		ID            uint64 `json:"id"`
		Provider      string `json:"provider"`
		MintedDeposit uint64 `json:"minted_deposit"`
		Hash          string `json:"hash"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/claims/1", &c))
	assert.Equal(t, "prov", c.Provider)
	assert.Equal(t, uint64(50), c.MintedDeposit)
	assert.Len(t, c.Hash, 64)

	var e errorBody
	assert.Equal(t, http.StatusNotFound, f.get(t, "/claims/99", &e))
	assert.Equal(t, "NOT_FOUND", e.Error.Code)
	assert.NotEmpty(t, e.RequestID)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/claims/abc", &e))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/claims/0", &e))
}

func TestCanExecute(t *testing.T) {
	f := newFixture(t)

	var v struct {
		Reason    string `json:"reason"`
		OK        bool   `json:"ok"`
		Retryable bool   `json:"retryable"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/claims/1/can-execute?executor=exec", &v))
	assert.True(t, v.OK)
	assert.Equal(t, "OK", v.Reason)

	require.Equal(t, http.StatusOK, f.get(t, "/claims/1/can-execute?executor=nobody", &v))
	assert.False(t, v.OK)
	assert.Equal(t, "EXECUTOR_UNDERSTAKED", v.Reason)
	assert.True(t, v.Retryable)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/claims/1/can-execute", &e))
}

func TestProviderExecutorSysAdmin(t *testing.T) {
	f := newFixture(t)

	var p ProviderView
	require.Equal(t, http.StatusOK, f.get(t, "/providers/prov", &p))
	assert.Equal(t, ProviderView{
		Provider:   "prov",
		Funds:      50,
		Conditions: []plugin.Ref{"ConditionTimestampPassed"},
		Actions:    []plugin.Ref{"ActionNoop"},
		Modules:    []plugin.Ref{},
	}, p)

	var e ExecutorView
	require.Equal(t, http.StatusOK, f.get(t, "/executors/exec", &e))
	assert.Equal(t, ExecutorView{Executor: "exec", Stake: 10, MinStaked: true}, e)

	_, err := f.core.Execute(context.Background(), f.claimID, "exec")
	require.NoError(t, err)

	var s SysAdminView
	require.Equal(t, http.StatusOK, f.get(t, "/sysadmin", &s))
	assert.Equal(t, "owner", s.Owner)
	assert.Equal(t, uint64(0), s.Funds, "no sysadmin fee configured")

	var v ParamsView
	require.Equal(t, http.StatusOK, f.get(t, "/params", &v))
	assert.Equal(t, uint64(10), v.MinExecutorStake)
	assert.Equal(t, f.claimID, v.CurrentClaimID)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	var h map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &h))
	assert.Equal(t, "ok", h["status"])

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_engine_events_total{kind="claim_minted"} 1`)

	down := newFixture(t, WithHealthCheck(func(context.Context) error { return errors.New("db closed") }))
	assert.Equal(t, http.StatusServiceUnavailable, down.get(t, "/healthz", &h))
	assert.Equal(t, "db closed", h["error"])
}
