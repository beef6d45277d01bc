package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/stake"
)

const claimColumns = `id, provider, executor, user, condition_ref, condition_payload, action_ref, action_payload,
	module, minted_deposit, gas_price, expiry, state, hash, minted_at, closed_at`

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader runs the read queries. Store reads through the pool; a Session
// reads inside its transaction.
type reader struct {
	q querier
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (claims.Claim, error) {
	var (
		c                    claims.Claim
		id                   int64
		condRef, actRef, mod string
		condPay, actPay      string
		deposit, price       string
		state                string
		expiry, closedAt     *int64
		mintedAt             int64
	)
	err := row.Scan(&id, &c.Provider, &c.Executor, &c.User, &condRef, &condPay, &actRef, &actPay,
		&mod, &deposit, &price, &expiry, &state, &c.Hash, &mintedAt, &closedAt)
	if err != nil {
		return claims.Claim{}, err
	}
	c.ID = uint64(id)
	c.Condition = plugin.Call{Ref: plugin.Ref(condRef), Payload: payloadRaw(condPay)}
	c.Action = plugin.Call{Ref: plugin.Ref(actRef), Payload: payloadRaw(actPay)}
	c.Module = plugin.Ref(mod)
	if c.MintedDeposit, err = parseAmount("minted_deposit", deposit); err != nil {
		return claims.Claim{}, err
	}
	if c.GasPrice, err = parseAmount("gas_price", price); err != nil {
		return claims.Claim{}, err
	}
	if c.State, err = claims.ParseState(state); err != nil {
		return claims.Claim{}, fmt.Errorf("claim %d: %w", id, err)
	}
	c.Expiry = timePtr(expiry)
	c.MintedAt = fromUnixNano(mintedAt)
	c.ClosedAt = timePtr(closedAt)
	return c, nil
}

// ReadClaim returns claim id. Returns a NOT_FOUND fault if it does not exist.
func (r reader) ReadClaim(ctx context.Context, id uint64) (claims.Claim, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, int64(id))
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Claim{}, fault.New(fault.CodeNotFound, "claim not found").WithClaim(id)
	}
	if err != nil {
		return claims.Claim{}, fmt.Errorf("read claim %d: %w", id, err)
	}
	return c, nil
}

// ListClaims returns the claims matching f, ordered by id.
//
// Returns an empty slice (not nil) if nothing matches.
func (r reader) ListClaims(ctx context.Context, f claims.Filter) ([]claims.Claim, error) {
	var (
		where []string
		args  []any
	)
	if f.State != 0 {
		where = append(where, "state = ?")
		args = append(args, f.State.String())
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Executor != "" {
		where = append(where, "executor = ?")
		args = append(args, f.Executor)
	}
	if f.User != "" {
		where = append(where, "user = ?")
		args = append(args, f.User)
	}
	query := `SELECT ` + claimColumns + ` FROM claims`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	out := []claims.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return out, nil
}

// ReadBalance returns the stored balance of one account, 0 if absent.
func (r reader) ReadBalance(ctx context.Context, pool ledger.Pool, id string) (uint64, error) {
	var bal string
	err := r.q.QueryRowContext(ctx, `SELECT balance FROM balances WHERE pool = ? AND id = ?`, string(pool), id).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s/%s: %w", pool, id, err)
	}
	return parseAmount("balance", bal)
}

// ListBalances returns every stored account ordered by (pool, id).
func (r reader) ListBalances(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT pool, id, balance FROM balances
		ORDER BY pool COLLATE BINARY ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	out := []ledger.Entry{}
	for rows.Next() {
		var pool, id, bal string
		if err := rows.Scan(&pool, &id, &bal); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		v, err := parseAmount("balance", bal)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Entry{Key: ledger.Key{Pool: ledger.Pool(pool), ID: id}, Balance: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return out, nil
}

// ListWhitelist returns whitelist entries ordered by (provider, kind, ref).
// An empty provider lists every provider.
func (r reader) ListWhitelist(ctx context.Context, provider string) ([]registry.Entry, error) {
	query := `SELECT provider, kind, ref FROM whitelists`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY provider COLLATE BINARY ASC, kind COLLATE BINARY ASC, ref COLLATE BINARY ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query whitelists: %w", err)
	}
	defer rows.Close()

	out := []registry.Entry{}
	for rows.Next() {
		var p, kind, ref string
		if err := rows.Scan(&p, &kind, &ref); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		out = append(out, registry.Entry{Provider: p, Kind: registry.Kind(kind), Ref: plugin.Ref(ref)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whitelists: %w", err)
	}
	return out, nil
}

// ReadParams returns the stored parameters, or nil if none were written.
func (r reader) ReadParams(ctx context.Context) (*params.Values, error) {
	var (
		v                             params.Values
		minStake, minFunds, mult, fee string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT owner, min_executor_stake, min_provider_funds, gas_multiplier_bps, sysadmin_fee_bps
		FROM params WHERE singleton = 1
	`).Scan(&v.Owner, &minStake, &minFunds, &mult, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	for _, f := range []struct {
		column string
		raw    string
		dst    *uint64
	}{
		{"min_executor_stake", minStake, &v.MinExecutorStake},
		{"min_provider_funds", minFunds, &v.MinProviderFunds},
		{"gas_multiplier_bps", mult, &v.GasMultiplierBps},
		{"sysadmin_fee_bps", fee, &v.SysAdminFeeBps},
	} {
		if *f.dst, err = parseAmount(f.column, f.raw); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// ListPrices returns executor prices ordered by executor.
func (r reader) ListPrices(ctx context.Context) ([]stake.Price, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT executor, price FROM prices ORDER BY executor COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	out := []stake.Price{}
	for rows.Next() {
		var exec, raw string
		if err := rows.Scan(&exec, &raw); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		v, err := parseAmount("price", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, stake.Price{Executor: exec, Price: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prices: %w", err)
	}
	return out, nil
}

// LastClaimID returns the highest claim id ever allocated, including ids
// burned by mints that failed after allocation.
func (r reader) LastClaimID(ctx context.Context) (uint64, error) {
	var raw string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastClaimID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last claim id: %w", err)
	}
	return parseAmount(metaLastClaimID, raw)
}

// LastSeq returns the highest event seq, 0 for an empty log.
func (r reader) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

// EventQuery selects journal events.
type EventQuery struct {
	AfterSeq int64  // exclusive lower bound
	ClaimID  uint64 // 0 means any claim
	Limit    int    // 0 means no limit
}

// ReadEvents returns events matching q in seq order.
//
// Returns an empty slice (not nil) if nothing matches.
func (r reader) ReadEvents(ctx context.Context, q EventQuery) ([]engine.Event, error) {
	query := `SELECT seq, id, kind, claim_id, account, data, at FROM events WHERE seq > ?`
	args := []any{q.AfterSeq}
	if q.ClaimID != 0 {
		query += ` AND claim_id = ?`
		args = append(args, int64(q.ClaimID))
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []engine.Event{}
	for rows.Next() {
		var (
			ev      engine.Event
			kind    string
			claimID int64
			data    string
			at      int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &kind, &claimID, &ev.Account, &data, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = engine.EventKind(kind)
		ev.ClaimID = uint64(claimID)
		ev.At = fromUnixNano(at)
		if ev.Data, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Load reads the complete persisted state for engine.Core.Restore.
func (r reader) Load(ctx context.Context) (engine.Snapshot, error) {
	var (
		snap engine.Snapshot
		err  error
	)
	if snap.Claims, err = r.ListClaims(ctx, claims.Filter{}); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.LastClaimID, err = r.LastClaimID(ctx); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.Balances, err = r.ListBalances(ctx); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.Whitelists, err = r.ListWhitelist(ctx, ""); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.Params, err = r.ReadParams(ctx); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.Prices, err = r.ListPrices(ctx); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	if snap.LastSeq, err = r.LastSeq(ctx); err != nil {
		return engine.Snapshot{}, fmt.Errorf("load: %w", err)
	}
	return snap, nil
}
