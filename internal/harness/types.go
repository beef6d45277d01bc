package harness

import (
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
)

// TraceEvent is the golden-stable projection of a journal event. Event ids
// and claim hashes are left out; times are unix seconds.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind"`
	ClaimID uint64         `json:"claim_id,omitempty"`
	Account string         `json:"account,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      int64          `json:"at"`
}

func traceEvent(ev engine.Event) TraceEvent {
	te := TraceEvent{
		Seq:     ev.Seq,
		Kind:    string(ev.Kind),
		ClaimID: ev.ClaimID,
		Account: ev.Account,
		At:      ev.At.Unix(),
	}
	if len(ev.Data) > 0 {
		te.Data = make(map[string]any, len(ev.Data))
		for k, v := range ev.Data {
			if k == "hash" {
				continue
			}
			te.Data[k] = v
		}
	}
	return te
}

// StepResult records what one flow step did.
type StepResult struct {
	Index  int            `json:"index"`
	Op     string         `json:"op"`
	Code   string         `json:"code"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is the event journal in commit order.
	Trace []TraceEvent `json:"trace"`

	// Steps holds one entry per flow step.
	Steps []StepResult `json:"steps"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the ledger state after the flow.
	Final engine.Snapshot `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
