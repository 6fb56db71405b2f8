package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes orchestrator health to Prometheus.
//
// Metrics (namespace "olav"):
//   - runs_in_flight (gauge): workflow runs currently executing
//   - runs_total (counter, by outcome): completed/interrupted/failed/cancelled
//   - node_latency_ms (histogram, by node and status): per-node duration
//   - tool_retries_total (counter, by tool): transient-failure retries
//   - interrupts_pending (gauge): threads halted awaiting a decision
//   - events_coalesced_total (counter): display deltas merged under backpressure
//
// Wire the registry into promhttp for scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *Metrics is safe: every method no-ops.
type Metrics struct {
	runsInFlight      prometheus.Gauge
	runsTotal         *prometheus.CounterVec
	nodeLatency       *prometheus.HistogramVec
	toolRetries       *prometheus.CounterVec
	interruptsPending prometheus.Gauge
	eventsCoalesced   prometheus.Counter
}

// NewMetrics registers all orchestrator metrics with the registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "olav",
			Name:      "runs_in_flight",
			Help:      "Workflow runs currently executing",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Name:      "runs_total",
			Help:      "Workflow runs by outcome",
		}, []string{"outcome"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "olav",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"node", "status"}),
		toolRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Name:      "tool_retries_total",
			Help:      "Tool invocation retries after transient failures",
		}, []string{"tool"}),
		interruptsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "olav",
			Name:      "interrupts_pending",
			Help:      "Threads halted awaiting a human decision",
		}),
		eventsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "olav",
			Name:      "events_coalesced_total",
			Help:      "Display deltas merged under stream backpressure",
		}),
	}
}

// RunStarted marks a run in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records the run outcome and drops the in-flight gauge.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runsTotal.WithLabelValues(outcome).Inc()
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(node, status).Observe(float64(d.Milliseconds()))
}

// ToolRetried counts one retry of the named tool.
func (m *Metrics) ToolRetried(tool string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(tool).Inc()
}

// InterruptMarked and InterruptCleared track the pending-decision gauge.
func (m *Metrics) InterruptMarked() {
	if m == nil {
		return
	}
	m.interruptsPending.Inc()
}

func (m *Metrics) InterruptCleared() {
	if m == nil {
		return
	}
	m.interruptsPending.Dec()
}

// EventCoalesced counts one merged display delta.
func (m *Metrics) EventCoalesced() {
	if m == nil {
		return
	}
	m.eventsCoalesced.Inc()
}
