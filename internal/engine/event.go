package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/ledger"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
	"github.com/rabbitholeanalytics/gelato-network/internal/stake"
)

// EventKind names a committed mutation.
type EventKind string

const (
	EventFundsProvided       EventKind = "funds_provided"
	EventFundsUnprovided     EventKind = "funds_unprovided"
	EventWhitelisted         EventKind = "whitelisted"
	EventDewhitelisted       EventKind = "dewhitelisted"
	EventStaked              EventKind = "staked"
	EventUnstaked            EventKind = "unstaked"
	EventExecutorPriceSet    EventKind = "executor_price_set"
	EventClaimMinted         EventKind = "claim_minted"
	EventClaimCancelled      EventKind = "claim_cancelled"
	EventClaimExpired        EventKind = "claim_expired"
	EventClaimExecuted       EventKind = "claim_executed"
	EventMinExecutorStakeSet EventKind = "min_executor_stake_set"
	EventMinProviderFundsSet EventKind = "min_provider_funds_set"
	EventGasMultiplierSet    EventKind = "gas_multiplier_set"
	EventSysAdminFeeSet      EventKind = "sysadmin_fee_set"
	EventSysAdminWithdrawn   EventKind = "sysadmin_withdrawn"
)

// Event is one journal entry.
type Event struct {
	ID      string         `json:"id"`
	Seq     int64          `json:"seq"`
	Kind    EventKind      `json:"kind"`
	ClaimID uint64         `json:"claim_id,omitempty"`
	Account string         `json:"account,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Changes carries the current value of every record a mutation touched.
type Changes struct {
	Claims   []claims.Claim
	Balances []ledger.Entry
	// Whitelists maps a provider to its complete current whitelist.
	Whitelists  map[string][]registry.Entry
	Params      *params.Values
	Prices      []stake.Price // Price 0 deletes
	LastClaimID uint64
}

// Journal persists events and state changes.
type Journal interface {
	Append(ctx context.Context, ev Event, ch Changes) error
}

// Snapshot is the persisted state a Core restores from.
type Snapshot struct {
	Claims      []claims.Claim
	LastClaimID uint64
	Balances    []ledger.Entry
	Whitelists  []registry.Entry
	Params      *params.Values
	Prices      []stake.Price
	LastSeq     int64
}

// IDGenerator produces event ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7 generates time-sortable UUIDv7 event ids.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7 struct{}

// NewID returns a hyphenated UUIDv7. Panics if generation fails.
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type noopJournal struct{}

func (noopJournal) Append(context.Context, Event, Changes) error { return nil }
