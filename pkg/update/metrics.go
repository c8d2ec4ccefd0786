package update

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus instrumentation.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "bindery").
	Namespace string

	// Subsystem is the metrics subsystem (default: "update").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for cycle duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus instrumentation.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the cycle duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the updater's Prometheus collectors.
type Metrics struct {
	cyclesTotal   prometheus.Counter
	cycleErrors   prometheus.Counter
	cycleDuration prometheus.Histogram
	refsPerCycle  prometheus.Histogram
	transitions   *prometheus.CounterVec
	poolHits      prometheus.Counter
	poolMisses    prometheus.Counter
}

// NewMetrics creates and registers the updater's collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := &MetricsConfig{
		Namespace: "bindery",
		Subsystem: "update",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	factory := promauto.With(cfg.Registry)
	return &Metrics{
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "cycles_total",
			Help:        "Total update cycles run.",
			ConstLabels: cfg.ConstLabels,
		}),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "cycle_errors_total",
			Help:        "Update cycles whose mutator returned an error.",
			ConstLabels: cfg.ConstLabels,
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "cycle_duration_seconds",
			Help:        "Duration of one mutate-then-render cycle.",
			Buckets:     cfg.Buckets,
			ConstLabels: cfg.ConstLabels,
		}),
		refsPerCycle: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "refs_per_cycle",
			Help:        "Size of the updating set per cycle.",
			Buckets:     []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			ConstLabels: cfg.ConstLabels,
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconcile_transitions_total",
			Help:        "List reconciliations by transition class.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"class"}),
		poolHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "item_pool_hits_total",
			Help:        "Item allocations served from the free list.",
			ConstLabels: cfg.ConstLabels,
		}),
		poolMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "item_pool_misses_total",
			Help:        "Item allocations that created fresh state.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Metrics) observeCycle(d time.Duration, refs int, failed bool) {
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.refsPerCycle.Observe(float64(refs))
	if failed {
		m.cycleErrors.Inc()
	}
}

func (m *Metrics) observeTransition(t transition) {
	m.transitions.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeAllocation(reused bool) {
	if reused {
		m.poolHits.Inc()
	} else {
		m.poolMisses.Inc()
	}
}
