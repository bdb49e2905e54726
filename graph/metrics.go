package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus surface: gauges and counters tracking
// the execution and merge behavior described in §5 and §8, namespaced
// "dashflow". A nil *Metrics is safe to call methods on (all are no-ops),
// so engines built without WithMetrics pay no instrumentation cost.
type Metrics struct {
	inflightNodes  prometheus.Gauge
	stepLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	droppedEvents  *prometheus.CounterVec
	stealsTotal    prometheus.Counter
	fallbacksTotal prometheus.Counter
}

// NewMetrics registers the full metric set with registry and returns a
// *Metrics ready to pass to WithMetrics. Pass prometheus.DefaultRegisterer
// to use the global registry, or a fresh prometheus.NewRegistry() for
// test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dashflow",
			Name:      "inflight_nodes",
			Help:      "Nodes currently executing within a single parallel frontier.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dashflow",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"thread_id", "node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "retries_total",
			Help:      "Attempts made by WithRetry-wrapped nodes beyond the first.",
		}, []string{"thread_id", "node"}),
		mergeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "merge_conflicts_total",
			Help:      "Parallel-frontier merges, one per frontier with more than one branch result.",
		}, []string{"thread_id"}),
		droppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "dropped_messages_total",
			Help:      "Events dropped at a subscriber boundary because the subscriber lagged.",
		}, []string{"reason"}),
		stealsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "scheduler_steals_total",
			Help:      "Tasks taken by an idle worker from another worker's deque.",
		}),
		fallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "scheduler_fallbacks_total",
			Help:      "Frontiers executed locally because every worker had failed.",
		}),
	}
}

func (m *Metrics) recordStepLatency(threadID string, node NodeID, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(threadID, string(node), status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) incRetries(threadID string, node NodeID) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(threadID, string(node)).Inc()
}

func (m *Metrics) incMergeConflict(threadID string) {
	if m == nil {
		return
	}
	m.mergeConflicts.WithLabelValues(threadID).Inc()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) incSteal() {
	if m == nil {
		return
	}
	m.stealsTotal.Inc()
}

func (m *Metrics) incFallback() {
	if m == nil {
		return
	}
	m.fallbacksTotal.Inc()
}
