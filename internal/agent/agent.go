// Package agent runs a polling executor against an engine.Core.
//
// An Agent repeatedly lists Minted claims, asks the execution gate whether
// its executor may execute each one, and executes the ones that pass. Passes
// are paced by a token-bucket limiter. Claims whose verdict can never turn OK
// for this executor are dropped; losing a race to another executor or a
// cancel is counted as contention, not as an error. Any number of agents may
// share one Core.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gate"
)

// Core is the subset of engine.Core an agent drives.
type Core interface {
	Claims(f claims.Filter) []claims.Claim
	CanExecute(ctx context.Context, id uint64, executor string) gate.Verdict
	Execute(ctx context.Context, id uint64, executor string) (gate.Settlement, error)
}

// Recorder receives agent telemetry. Implemented by metrics.Collector.
type Recorder interface {
	RecordAgentPoll(executor string)
	RecordAgentExecution(executor string)
	RecordAgentContention(executor string)
	RecordAgentDropped(executor string, reason fault.Code)
}

type nopRecorder struct{}

func (nopRecorder) RecordAgentPoll(string)                {}
func (nopRecorder) RecordAgentExecution(string)           {}
func (nopRecorder) RecordAgentContention(string)          {}
func (nopRecorder) RecordAgentDropped(string, fault.Code) {}

// Stats are cumulative agent counters.
type Stats struct {
	Polls      uint64 `json:"polls"`
	Executed   uint64 `json:"executed"`
	Contention uint64 `json:"contention"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}

// Option configures an Agent.
type Option func(*Agent)

// WithInterval sets the minimum time between polling passes. Default: 1s.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) { a.interval = d }
}

// WithBurst sets how many passes may run back to back. Default: 1.
func WithBurst(n int) Option {
	return func(a *Agent) { a.burst = n }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// Agent polls and executes claims for one executor.
//
// Poll is not safe for concurrent use on the same Agent; Run calls it from
// a single goroutine. Stats may be read at any time.
type Agent struct {
	executor string
	core     Core
	interval time.Duration
	burst    int
	limiter  *rate.Limiter
	logger   *slog.Logger
	recorder Recorder

	mu      sync.Mutex
	dropped map[uint64]fault.Code

	polls, executed, contention, droppedN, failed atomic.Uint64
}

// New creates an agent executing on behalf of executor.
func New(executor string, core Core, opts ...Option) *Agent {
	a := &Agent{
		executor: executor,
		core:     core,
		interval: time.Second,
		burst:    1,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		dropped:  make(map[uint64]fault.Code),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.burst < 1 {
		a.burst = 1
	}
	limit := rate.Inf
	if a.interval > 0 {
		limit = rate.Every(a.interval)
	}
	a.limiter = rate.NewLimiter(limit, a.burst)
	a.logger = a.logger.With("agent", executor)
	return a
}

// Executor returns the executor id the agent acts for.
func (a *Agent) Executor() string { return a.executor }

// Stats returns a snapshot of the counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Polls:      a.polls.Load(),
		Executed:   a.executed.Load(),
		Contention: a.contention.Load(),
		Dropped:    a.droppedN.Load(),
		Failed:     a.failed.Load(),
	}
}

// Run polls until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("agent started", "interval", a.interval, "burst", a.burst)
	defer a.logger.Info("agent stopped")
	for {
		// Wait fails only when ctx is done or its deadline falls before
		// the next token.
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		a.Poll(ctx)
	}
}

// Poll makes one pass over the Minted claims and returns the settlements of
// the claims it executed, in claim id order.
func (a *Agent) Poll(ctx context.Context) []gate.Settlement {
	a.polls.Add(1)
	a.recorder.RecordAgentPoll(a.executor)

	live := a.core.Claims(claims.Filter{State: claims.StateMinted})
	a.prune(live)

	var out []gate.Settlement
	for _, c := range live {
		if ctx.Err() != nil {
			break
		}
		if a.isDropped(c.ID) {
			continue
		}

		v := a.core.CanExecute(ctx, c.ID, a.executor)
		if !v.OK() {
			if !v.Retryable() {
				a.drop(c.ID, v.Reason, v.Detail)
			}
			continue
		}

		s, err := a.core.Execute(ctx, c.ID, a.executor)
		if err == nil {
			a.executed.Add(1)
			a.recorder.RecordAgentExecution(a.executor)
			a.logger.Info("claim executed", "claim", c.ID, "reward", s.Reward, "gas_used", s.GasUsed)
			out = append(out, s)
			continue
		}

		code := fault.CodeOf(err)
		switch code {
		case fault.CodeClaimNotActive:
			// Another executor, a cancel or an expiry got there first.
			a.contention.Add(1)
			a.recorder.RecordAgentContention(a.executor)
			a.logger.Debug("lost execution race", "claim", c.ID)
		case fault.CodeActionExecutionFailed:
			a.failed.Add(1)
			a.logger.Warn("action failed, will retry", "claim", c.ID, "error", err)
		case fault.CodeConditionNotMet, fault.CodeExecutorUnderstaked, fault.CodeNotWhitelisted:
			// State changed between check and execute; retry next pass.
		default:
			a.failed.Add(1)
			a.drop(c.ID, code, err.Error())
		}
	}
	return out
}

func (a *Agent) isDropped(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.dropped[id]
	return ok
}

func (a *Agent) drop(id uint64, reason fault.Code, detail string) {
	a.mu.Lock()
	a.dropped[id] = reason
	a.mu.Unlock()
	a.droppedN.Add(1)
	a.recorder.RecordAgentDropped(a.executor, reason)
	a.logger.Debug("claim dropped", "claim", id, "reason", reason, "detail", detail)
}

// prune forgets dropped claims that are no longer Minted.
func (a *Agent) prune(live []claims.Claim) {
	ids := make(map[uint64]struct{}, len(live))
	for _, c := range live {
		ids[c.ID] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.dropped {
		if _, ok := ids[id]; !ok {
			delete(a.dropped, id)
		}
	}
}

// Group runs several agents until ctx is done.
type Group struct {
	agents []*Agent
}

// NewGroup creates a group over agents.
func NewGroup(agents ...*Agent) *Group {
	return &Group{agents: agents}
}

// Agents returns the group's agents.
func (g *Group) Agents() []*Agent { return g.agents }

// Run starts every agent and blocks until all have stopped.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range g.agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Run(ctx)
		}(a)
	}
	wg.Wait()
}
