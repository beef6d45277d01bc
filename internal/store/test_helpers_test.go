package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/testutil"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCore creates a Core journaling into j (a Store or a Session). Gas is 1 + 2 at price
// 11 and the default 1.5x multiplier, so every mint escrows 50.
func createTestCore(t *testing.T, j engine.Journal) *engine.Core {
	t.Helper()
	return createTestCoreWithIDs(t, j, "")
}

// createTestCoreWithIDs is createTestCore with event ids "<prefix>-000001",
// for Cores that share one event log.
func createTestCoreWithIDs(t *testing.T, j engine.Journal, prefix string) *engine.Core {
	t.Helper()
	clk := testutil.NewManualClock(time.Time{})
	world := plugin.NewMemoryWorld(clk)
	cat, err := plugin.BuildCatalog(world,
		[]plugin.Spec{{Ref: "ConditionTimestampPassed", Kind: plugin.KindTimestamp, Gas: 1}},
		[]plugin.Spec{{Ref: "ActionNoop", Kind: plugin.KindNoop, Gas: 2}})
	require.NoError(t, err)

	opts := []engine.Option{
		engine.WithClock(clk),
		engine.WithIDs(testutil.NewSequentialIDs(prefix)),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if j != nil {
		opts = append(opts, engine.WithJournal(j))
	}
	c, err := engine.New(engine.Config{
		Params:  params.Values{Owner: "owner", MinExecutorStake: 10, MinProviderFunds: 10, SysAdminFeeBps: 1_000},
		Catalog: cat,
		Feed:    gasprice.Static(11),
	}, opts...)
	require.NoError(t, err)
	return c
}

func createTestMint(at time.Time) claims.MintRequest {
	payload, _ := json.Marshal(plugin.TimestampPayload{Timestamp: at.Unix()})
	return claims.MintRequest{
		Provider:  "prov",
		User:      "user",
		Condition: plugin.Call{Ref: "ConditionTimestampPassed", Payload: payload},
		Action:    plugin.Call{Ref: "ActionNoop"},
	}
}

// openShared opens two Stores on one database file, as two processes would.
func openShared(t *testing.T) (*Store, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	s1, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })
	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })
	return s1, s2
}

// seedMintedClaim journals a funded provider, two staked executors and one
// open claim into s and returns the claim id.
func seedMintedClaim(t *testing.T, s *Store) uint64 {
	t.Helper()
	ctx := context.Background()
	core := createTestCore(t, s)
	_, err := core.Whitelist(ctx, "prov", "prov", registry.KindCondition, "ConditionTimestampPassed")
	require.NoError(t, err)
	_, err = core.Whitelist(ctx, "prov", "prov", registry.KindAction, "ActionNoop")
	require.NoError(t, err)
	_, err = core.ProvideFunds(ctx, "prov", 100)
	require.NoError(t, err)
	_, err = core.Stake(ctx, "e1", 10)
	require.NoError(t, err)
	_, err = core.Stake(ctx, "e2", 10)
	require.NoError(t, err)
	c, err := core.Mint(ctx, createTestMint(testutil.Epoch))
	require.NoError(t, err)
	return c.ID
}

// restoreCore builds a Core journaling into j and restores it from load.
func restoreCore(t *testing.T, j engine.Journal, load func(context.Context) (engine.Snapshot, error), prefix string) *engine.Core {
	t.Helper()
	snap, err := load(context.Background())
	require.NoError(t, err)
	core := createTestCoreWithIDs(t, j, prefix)
	require.NoError(t, core.Restore(context.Background(), snap))
	return core
}
