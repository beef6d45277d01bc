// Package harness runs scripted scenarios against a fresh claim ledger.
//
// Each run builds an engine.Core with a manual clock starting at
// testutil.Epoch, sequential event ids and a settable gas price feed, so the
// same scenario always produces the same journal. The journal is captured as
// the trace for assertions and golden comparison.
//
// # Scenario Format
//
//	name: provider_funds_floor
//	description: "What this scenario validates"
//	network:
//	  owner: sysadmin
//	  min_provider_funds: 10
//	  gas_price: 11
//	conditions:            # optional, defaults to the built-in catalog
//	  - {ref: ConditionTimestampPassed, kind: timestamp, gas: 1}
//	setup:
//	  - op: provide_funds
//	    args: {provider: prov, amount: 100}
//	flow:
//	  - op: mint
//	    args: {provider: prov, user: alice, condition: ConditionTimestampPassed, action: ActionNoop}
//	    expect:
//	      code: OK
//	      result: {id: 1, deposit: 50}
//	assertions:
//	  - type: event_count
//	    kind: claim_minted
//	    count: 1
//	  - type: final_state
//	    target: balance
//	    where: {pool: provider, id: prov}
//	    expect: {balance: 50}
//
// Setup steps must succeed. A flow step without expect must succeed; with
// expect, its fault code (or OK) and a subset of its result are checked. For
// can_execute the code is the verdict reason.
//
// # Assertion Types
//
//   - event_contains: an event of kind exists whose data contains the fields
//   - event_order: the first event of each kind appears in the given order
//   - event_count: kind appears exactly count times
//   - final_state: a balance, claim or the params record matches expect
//
// Values are compared by canonical JSON, so a YAML 50 matches a uint64 50.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/claim_lifecycle.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
