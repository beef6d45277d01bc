package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/mattn/go-sqlite3"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/stake"
)

const metaLastClaimID = "last_claim_id"

// ErrSeqConflict is returned by Append when the log already holds an event
// with the same seq: another writer committed against the same database
// since this Core was restored.
var ErrSeqConflict = errors.New("event seq already journaled")

var _ engine.Journal = (*Store)(nil)

// Append implements engine.Journal. It inserts ev and upserts every record in
// ch inside one transaction.
//
// The event row is a plain INSERT: a seq that is already in the log fails
// with ErrSeqConflict and nothing in ch is written.
func (s *Store) Append(ctx context.Context, ev engine.Event, ch engine.Changes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event %d: begin tx: %w", ev.Seq, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := appendEvent(ctx, tx, ev, ch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event %d: commit: %w", ev.Seq, err)
	}
	return nil
}

func appendEvent(ctx context.Context, q querier, ev engine.Event, ch engine.Changes) error {
	data, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("append event %d: %w", ev.Seq, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO events (seq, id, kind, claim_id, account, data, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.Seq, ev.ID, string(ev.Kind), int64(ev.ClaimID), ev.Account, data, unixNano(ev.At))
	if isPrimaryKeyConflict(err) {
		return fmt.Errorf("append event %d: %w", ev.Seq, ErrSeqConflict)
	}
	if err != nil {
		return fmt.Errorf("append event %d: %w", ev.Seq, err)
	}

	for _, c := range ch.Claims {
		if err := writeClaim(ctx, q, c); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}
	for _, e := range ch.Balances {
		if err := writeBalance(ctx, q, e); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}

	// Replace each touched provider's whitelist; iterate in sorted order
	// so the statement sequence is deterministic.
	providers := make([]string, 0, len(ch.Whitelists))
	for p := range ch.Whitelists {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		if err := writeWhitelist(ctx, q, p, ch.Whitelists[p]); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}

	if ch.Params != nil {
		if err := writeParams(ctx, q, *ch.Params); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}
	for _, p := range ch.Prices {
		if err := writePrice(ctx, q, p); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}
	if ch.LastClaimID > 0 {
		if err := writeLastClaimID(ctx, q, ch.LastClaimID); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// isPrimaryKeyConflict reports whether err is SQLITE_CONSTRAINT_PRIMARYKEY.
func isPrimaryKeyConflict(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// SaveSnapshot replaces all state tables with snap. The event log is kept.
// Used by init and by serve's shutdown checkpoint while it holds the writer
// lease.
func (s *Store) SaveSnapshot(ctx context.Context, snap engine.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

func saveSnapshot(ctx context.Context, q querier, snap engine.Snapshot) error {
	for _, table := range []string{"claims", "balances", "whitelists", "params", "prices", "meta"} {
		if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("save snapshot: clear %s: %w", table, err)
		}
	}
	for _, c := range snap.Claims {
		if err := writeClaim(ctx, q, c); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	for _, e := range snap.Balances {
		if err := writeBalance(ctx, q, e); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	for _, e := range snap.Whitelists {
		if err := insertWhitelistEntry(ctx, q, e); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	if snap.Params != nil {
		if err := writeParams(ctx, q, *snap.Params); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	for _, p := range snap.Prices {
		if err := writePrice(ctx, q, p); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	if snap.LastClaimID > 0 {
		if err := writeLastClaimID(ctx, q, snap.LastClaimID); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	return nil
}

func writeClaim(ctx context.Context, q querier, c claims.Claim) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO claims
		(id, provider, executor, user, condition_ref, condition_payload, action_ref, action_payload,
		 module, minted_deposit, gas_price, expiry, state, hash, minted_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			closed_at = excluded.closed_at
	`,
		int64(c.ID),
		c.Provider,
		c.Executor,
		c.User,
		string(c.Condition.Ref),
		payloadText(c.Condition.Payload),
		string(c.Action.Ref),
		payloadText(c.Action.Payload),
		string(c.Module),
		formatAmount(c.MintedDeposit),
		formatAmount(c.GasPrice),
		nullTime(c.Expiry),
		c.State.String(),
		c.Hash,
		unixNano(c.MintedAt),
		nullTime(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("write claim %d: %w", c.ID, err)
	}
	return nil
}

func writeBalance(ctx context.Context, q querier, e ledger.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (pool, id, balance) VALUES (?, ?, ?)
		ON CONFLICT(pool, id) DO UPDATE SET balance = excluded.balance
	`, string(e.Pool), e.ID, formatAmount(e.Balance))
	if err != nil {
		return fmt.Errorf("write balance %s/%s: %w", e.Pool, e.ID, err)
	}
	return nil
}

func writeWhitelist(ctx context.Context, q querier, provider string, entries []registry.Entry) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM whitelists WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("clear whitelist %s: %w", provider, err)
	}
	for _, e := range entries {
		if err := insertWhitelistEntry(ctx, q, e); err != nil {
			return err
		}
	}
	return nil
}

func insertWhitelistEntry(ctx context.Context, q querier, e registry.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO whitelists (provider, kind, ref) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.Provider, string(e.Kind), string(e.Ref))
	if err != nil {
		return fmt.Errorf("write whitelist %s/%s/%s: %w", e.Provider, e.Kind, e.Ref, err)
	}
	return nil
}

func writeParams(ctx context.Context, q querier, v params.Values) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO params
		(singleton, owner, min_executor_stake, min_provider_funds, gas_multiplier_bps, sysadmin_fee_bps)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			owner = excluded.owner,
			min_executor_stake = excluded.min_executor_stake,
			min_provider_funds = excluded.min_provider_funds,
			gas_multiplier_bps = excluded.gas_multiplier_bps,
			sysadmin_fee_bps = excluded.sysadmin_fee_bps
	`,
		v.Owner,
		formatAmount(v.MinExecutorStake),
		formatAmount(v.MinProviderFunds),
		formatAmount(v.GasMultiplierBps),
		formatAmount(v.SysAdminFeeBps),
	)
	if err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	return nil
}

// writePrice upserts an executor price. Price 0 deletes the row.
func writePrice(ctx context.Context, q querier, p stake.Price) error {
	var err error
	if p.Price == 0 {
		_, err = q.ExecContext(ctx, `DELETE FROM prices WHERE executor = ?`, p.Executor)
	} else {
		_, err = q.ExecContext(ctx, `
			INSERT INTO prices (executor, price) VALUES (?, ?)
			ON CONFLICT(executor) DO UPDATE SET price = excluded.price
		`, p.Executor, formatAmount(p.Price))
	}
	if err != nil {
		return fmt.Errorf("write price %s: %w", p.Executor, err)
	}
	return nil
}

// writeLastClaimID raises the stored claim id high-water mark; it never
// lowers it.
func writeLastClaimID(ctx context.Context, q querier, id uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(meta.value AS INTEGER)
	`, metaLastClaimID, strconv.FormatUint(id, 10))
	if err != nil {
		return fmt.Errorf("write last claim id: %w", err)
	}
	return nil
}
