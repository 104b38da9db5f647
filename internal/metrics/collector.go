package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/types"
)

// Collector registers and records the core's Prometheus metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	tokensTotal prometheus.Counter
	costTotal   prometheus.Counter

	syncRecordsTotal *prometheus.CounterVec

	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector. Metrics register on the default
// registry under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status",
		},
		[]string{"status"},
	)
	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of finished runs",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"status"},
	)

	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step runs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)
	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Capability invocation duration in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"},
	)

	c.tokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_used_total",
		Help:      "Tokens consumed by capability invocations",
	})
	c.costTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cost_total",
		Help:      "Accumulated capability cost",
	})

	c.syncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Sync channel records by kind and relay outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.dbConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Open database connections",
	})
	c.dbConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle database connections",
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RunFinished implements the engine observer.
func (c *Collector) RunFinished(status types.RunStatus, seconds float64) {
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(seconds)
}

// StepFinished implements the engine observer.
func (c *Collector) StepFinished(kind types.StepKind, status types.StepStatus, seconds float64) {
	c.stepsTotal.WithLabelValues(string(kind), string(status)).Inc()
	if status == types.StepStatusCompleted || status == types.StepStatusFailed {
		c.stepDuration.WithLabelValues(string(kind)).Observe(seconds)
	}
}

// UsageRecorded implements the engine observer.
func (c *Collector) UsageRecorded(cost float64, tokens int64) {
	if cost > 0 {
		c.costTotal.Add(cost)
	}
	if tokens > 0 {
		c.tokensTotal.Add(float64(tokens))
	}
}

// RecordSync implements the relay observer.
func (c *Collector) RecordSync(kind, outcome string) {
	c.syncRecordsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDBConnections reports pool gauges.
func (c *Collector) RecordDBConnections(open, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

// statusClass buckets status codes so path cardinality stays bounded.
func statusClass(status int) string {
	if status >= 100 && status < 600 {
		return strconv.Itoa(status/100*100) + "s"
	}
	return "unknown"
}
