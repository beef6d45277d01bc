package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/config"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/testutil"
)

// CodeError is reported for a step that failed without a fault code.
const CodeError = "ERROR"

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger  *slog.Logger
	journal engine.Journal
}

// WithLogger sets the logger handed to the engine. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithJournal tees every committed event into j in addition to the trace.
func WithJournal(j engine.Journal) Option {
	return func(c *runConfig) { c.journal = j }
}

// recorder captures the journal.
type recorder struct {
	mu     sync.Mutex
	events []engine.Event
	next   engine.Journal
}

func (r *recorder) Append(ctx context.Context, ev engine.Event, ch engine.Changes) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.next != nil {
		return r.next.Append(ctx, ev, ch)
	}
	return nil
}

func (r *recorder) trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	for i, ev := range r.events {
		out[i] = traceEvent(ev)
	}
	return out
}

type runner struct {
	core    *engine.Core
	clock   *testutil.ManualClock
	feed    *gasprice.Settable
	world   *plugin.MemoryWorld
	journal *recorder
}

func newRunner(s *Scenario, rc runConfig) (*runner, error) {
	clk := testutil.NewManualClock(time.Time{})
	world := plugin.NewMemoryWorld(clk)
	world.Load(s.Holdings, s.Quotes)

	cat, err := buildCatalog(s, world)
	if err != nil {
		return nil, err
	}

	r := &runner{
		clock:   clk,
		feed:    gasprice.NewSettable(s.Network.GasPrice),
		world:   world,
		journal: &recorder{next: rc.journal},
	}
	r.core, err = engine.New(engine.Config{
		Params: params.Values{
			Owner:            s.Network.Owner,
			MinExecutorStake: s.Network.MinExecutorStake,
			MinProviderFunds: s.Network.MinProviderFunds,
			GasMultiplierBps: s.Network.GasMultiplierBps,
			SysAdminFeeBps:   s.Network.SysAdminFeeBps,
		},
		Catalog: cat,
		Feed:    r.feed,
	},
		engine.WithJournal(r.journal),
		engine.WithClock(clk),
		engine.WithIDs(testutil.NewSequentialIDs("")),
		engine.WithLogger(rc.logger))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// buildCatalog uses the scenario's plugins, falling back to the default
// configuration's list for whichever side is empty.
func buildCatalog(s *Scenario, world plugin.World) (*plugin.Catalog, error) {
	conds, actions := s.Conditions, s.Actions
	if len(conds) == 0 || len(actions) == 0 {
		def, err := config.Default()
		if err != nil {
			return nil, fmt.Errorf("load default plugins: %w", err)
		}
		if len(conds) == 0 {
			conds = def.Plugins.Conditions
		}
		if len(actions) == 0 {
			actions = def.Plugins.Actions
		}
	}
	return plugin.BuildCatalog(world, conds, actions)
}

func (r *runner) apply(ctx context.Context, step Step) (map[string]any, error) {
	fn, ok := ops[step.Op]
	if !ok {
		return nil, &ArgError{Op: step.Op, Msg: "unknown op"}
	}
	return fn(ctx, r, args{op: step.Op, m: step.Args})
}

// Run executes a scenario and returns the result.
//
// An error is returned only when the scenario cannot run: a bad argument, a
// failing setup step or an engine that cannot be built. Failed expectations
// and assertions are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	rc := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&rc)
	}

	r, err := newRunner(scenario, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger: %w", err)
	}
	ctx := context.Background()

	for i, step := range scenario.Setup {
		if _, err := r.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("setup[%d] %s: %w", i, step.Op, err)
		}
		rc.logger.Debug("setup step completed", "step", i, "op", step.Op)
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		res, err := r.apply(ctx, step)
		var argErr *ArgError
		if errors.As(err, &argErr) {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}

		sr := StepResult{Index: i, Op: step.Op, Code: CodeOK, Result: res}
		if err != nil {
			sr.Code = string(fault.CodeOf(err))
			if sr.Code == "" {
				sr.Code = CodeError
			}
			sr.Error = err.Error()
		}
		result.Steps = append(result.Steps, sr)
		checkExpect(result, i, step, sr)

		rc.logger.Debug("flow step completed", "step", i, "op", step.Op, "code", sr.Code)
	}

	result.Trace = r.journal.trace()
	result.Final = r.core.Snapshot()

	actx := &AssertionContext{Core: r.core}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func checkExpect(result *Result, i int, step Step, sr StepResult) {
	if step.Expect == nil {
		if sr.Code != CodeOK {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected %s: %s", i, step.Op, sr.Code, sr.Error))
		}
		return
	}
	if sr.Code != step.Expect.Code {
		msg := fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Op, step.Expect.Code, sr.Code)
		if sr.Error != "" {
			msg += ": " + sr.Error
		}
		result.AddError(msg)
	}
	if step.Expect.Result != nil {
		for _, diff := range matchSubset(sr.Result, step.Expect.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: result %s", i, step.Op, diff))
		}
	}
}
