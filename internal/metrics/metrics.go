// Package metrics exports claim ledger telemetry as Prometheus metrics.
//
// Collector implements engine.Observer, so wiring it with
// engine.WithObserver counts every committed event, rejected operation,
// execution verdict and settlement. Metrics live in the Collector's own
// registry; Handler serves them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gate"
)

var _ engine.Observer = (*Collector)(nil)

// Collector provides claim ledger metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Engine metrics
	events        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	journalErrors prometheus.Counter

	// Settlement metrics
	settlements prometheus.Counter
	rewards     prometheus.Counter
	fees        prometheus.Counter
	refunds     prometheus.Counter
	gasUsed     prometheus.Histogram

	// Agent metrics
	agentPolls      *prometheus.CounterVec
	agentExecutions *prometheus.CounterVec
	agentContention *prometheus.CounterVec
	agentDropped    *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "gelato"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of committed events by kind",
		},
		[]string{"kind"},
	)

	c.rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Total number of rejected operations by operation and code",
		},
		[]string{"op", "code"},
	)

	c.verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "can_execute_total",
			Help:      "Total number of can-execute checks by reason",
		},
		[]string{"reason"},
	)

	c.journalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "journal_errors_total",
			Help:      "Total number of events that failed to persist",
		},
	)

	c.settlements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "total",
			Help:      "Total number of executed claims",
		},
	)

	c.rewards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "reward_units_total",
			Help:      "Sum of executor rewards paid",
		},
	)

	c.fees = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "fee_units_total",
			Help:      "Sum of sysadmin fees collected",
		},
	)

	c.refunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "refund_units_total",
			Help:      "Sum of deposit residuals refunded to providers",
		},
	)

	c.gasUsed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "gas_used",
			Help:      "Gas consumed per executed claim",
			Buckets:   prometheus.ExponentialBuckets(1_000, 2, 12), // 1k to ~2M
		},
	)

	c.agentPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "polls_total",
			Help:      "Total number of agent polling passes",
		},
		[]string{"executor"},
	)

	c.agentExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Total number of claims executed by an agent",
		},
		[]string{"executor"},
	)

	c.agentContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "contention_total",
			Help:      "Total number of executions lost to another executor or a cancel",
		},
		[]string{"executor"},
	)

	c.agentDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "dropped_total",
			Help:      "Total number of claims an agent stopped tracking, by reason",
		},
		[]string{"executor", "reason"},
	)

	c.registry.MustRegister(
		c.events,
		c.rejections,
		c.verdicts,
		c.journalErrors,
		c.settlements,
		c.rewards,
		c.fees,
		c.refunds,
		c.gasUsed,
		c.agentPolls,
		c.agentExecutions,
		c.agentContention,
		c.agentDropped,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Committed implements engine.Observer.
func (c *Collector) Committed(kind engine.EventKind) {
	c.events.WithLabelValues(string(kind)).Inc()
}

// Rejected implements engine.Observer.
func (c *Collector) Rejected(op string, code fault.Code) {
	c.rejections.WithLabelValues(op, string(code)).Inc()
}

// Verdict implements engine.Observer.
func (c *Collector) Verdict(v gate.Verdict) {
	c.verdicts.WithLabelValues(string(v.Reason)).Inc()
}

// Settled implements engine.Observer.
func (c *Collector) Settled(s gate.Settlement) {
	c.settlements.Inc()
	c.rewards.Add(float64(s.Reward))
	c.fees.Add(float64(s.Fee))
	c.refunds.Add(float64(s.Refund))
	c.gasUsed.Observe(float64(s.GasUsed))
}

// JournalFailed implements engine.Observer.
func (c *Collector) JournalFailed() {
	c.journalErrors.Inc()
}

// RecordAgentPoll records one polling pass.
func (c *Collector) RecordAgentPoll(executor string) {
	c.agentPolls.WithLabelValues(executor).Inc()
}

// RecordAgentExecution records a claim the agent executed.
func (c *Collector) RecordAgentExecution(executor string) {
	c.agentExecutions.WithLabelValues(executor).Inc()
}

// RecordAgentContention records a lost execution race.
func (c *Collector) RecordAgentContention(executor string) {
	c.agentContention.WithLabelValues(executor).Inc()
}

// RecordAgentDropped records a claim dropped for a non-retryable reason.
func (c *Collector) RecordAgentDropped(executor string, reason fault.Code) {
	c.agentDropped.WithLabelValues(executor, string(reason)).Inc()
}
