// Package engine composes the claim ledger components into a single Core
// that exposes the full operation set.
//
// ARCHITECTURE:
//
//	Core
//	 ├── ledger.Ledger        provider funds, executor stakes, sysadmin fees, escrow
//	 ├── registry.Registry    provider whitelists
//	 ├── claims.Registry      claim records and lifecycle
//	 ├── gate.Gate            CanExecute / Execute + settlement
//	 ├── stake.Manager        stake, unstake, executor prices, thresholds
//	 └── params.Params        owner-gated configuration record
//
// Every operation is safe for concurrent use. Components lock per claim and
// per account; Core adds no global lock around them.
//
// JOURNAL:
// After each successful mutation Core appends an Event to its Journal
// together with the current value of every record the mutation touched.
// The store implements Journal, so external readers see state by id.
// Journal writes are serialized and stamped with a logical sequence number.
// A failing journal write is logged and does not undo the committed
// operation.
package engine
