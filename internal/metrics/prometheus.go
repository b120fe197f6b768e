package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Zerver metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Step execution
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Effect dispatch
	effectsTotal    *prometheus.CounterVec
	effectDuration  *prometheus.HistogramVec

	// Join resolution
	joinsTotal *prometheus.CounterVec

	// Worker pools
	poolQueueDepth    *prometheus.GaugeVec
	poolInFlight      *prometheus.GaugeVec
	poolAccepting     *prometheus.GaugeVec

	// Connection-pool leases
	connLeaseWaitMs *prometheus.HistogramVec
	connPoolReady   *prometheus.GaugeVec
	connPoolTotal   *prometheus.GaugeVec

	// Circuit breaker (per-route/per-effect)
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	// Recursion depth telemetry
	recursionDepth prometheus.Gauge

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for latency (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of step executions by phase, step, and status",
			},
			[]string{"phase", "step", "status"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_milliseconds",
				Help:      "Duration of step executions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"phase", "step"},
		),

		effectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "effects_total",
				Help:      "Total number of effect dispatches by kind and status",
			},
			[]string{"kind", "status"},
		),

		effectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "effect_duration_milliseconds",
				Help:      "Duration of effect dispatches in milliseconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		joinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_resolved_total",
				Help:      "Total join resolutions by policy and resume outcome",
			},
			[]string{"policy", "outcome"},
		),

		poolQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queue_depth",
				Help:      "Current queue depth by worker pool",
			},
			[]string{"pool"},
		),

		poolInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_in_flight",
				Help:      "Jobs submitted minus jobs completed, by worker pool",
			},
			[]string{"pool"},
		),

		poolAccepting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_accepting",
				Help:      "Whether a worker pool currently accepts submissions (1) or is shutting down (0)",
			},
			[]string{"pool"},
		),

		connLeaseWaitMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connpool_lease_wait_milliseconds",
				Help:      "Time spent waiting to acquire a pooled connection",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"pool"},
		),

		connPoolReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connpool_ready",
				Help:      "Number of idle, ready-to-lease connections by pool",
			},
			[]string{"pool"},
		),

		connPoolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connpool_total",
				Help:      "Total live connections (leased + idle) by pool",
			},
			[]string{"pool"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"key"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"key", "to_state"},
		),

		recursionDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "max_recursion_depth",
				Help:      "Highest observed Need recursion depth across all requests",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the Zerver daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.stepsTotal,
		pm.stepDuration,
		pm.effectsTotal,
		pm.effectDuration,
		pm.joinsTotal,
		pm.poolQueueDepth,
		pm.poolInFlight,
		pm.poolAccepting,
		pm.connLeaseWaitMs,
		pm.connPoolReady,
		pm.connPoolTotal,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
		pm.recursionDepth,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusStep records a step execution in Prometheus collectors.
func RecordPrometheusStep(phase, stepName string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.stepsTotal.WithLabelValues(phase, stepName, status).Inc()
	promMetrics.stepDuration.WithLabelValues(phase, stepName).Observe(float64(durationMs))
}

// RecordPrometheusEffect records an effect dispatch in Prometheus collectors.
func RecordPrometheusEffect(kind string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.effectsTotal.WithLabelValues(kind, status).Inc()
	promMetrics.effectDuration.WithLabelValues(kind).Observe(float64(durationMs))
}

// RecordPrometheusJoin records a join resolution in Prometheus collectors.
func RecordPrometheusJoin(policy string, resumedSuccess bool) {
	if promMetrics == nil {
		return
	}
	outcome := "success"
	if !resumedSuccess {
		outcome = "failure"
	}
	promMetrics.joinsTotal.WithLabelValues(policy, outcome).Inc()
}

// SetPoolStats sets the queue-depth, in-flight, and accepting gauges for a
// named worker pool (step queue, effector pool, compute pool).
func SetPoolStats(poolName string, queueDepth int, submitted, completed int64, accepting bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolQueueDepth.WithLabelValues(poolName).Set(float64(queueDepth))
	promMetrics.poolInFlight.WithLabelValues(poolName).Set(float64(submitted - completed))
	acceptingVal := 0.0
	if accepting {
		acceptingVal = 1.0
	}
	promMetrics.poolAccepting.WithLabelValues(poolName).Set(acceptingVal)
}

// RecordConnLeaseWait records the time spent waiting to acquire a pooled connection.
func RecordConnLeaseWait(poolName string, waitMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.connLeaseWaitMs.WithLabelValues(poolName).Observe(waitMs)
}

// SetConnPoolStats sets the ready/total gauges for a named connection pool.
func SetConnPoolStats(poolName string, ready, total int) {
	if promMetrics == nil {
		return
	}
	promMetrics.connPoolReady.WithLabelValues(poolName).Set(float64(ready))
	promMetrics.connPoolTotal.WithLabelValues(poolName).Set(float64(total))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a key
// (route pattern or effect kind). state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(key string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(key).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(key, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(key, toState).Inc()
}

// RecordMaxRecursionDepth sets the recursion-depth gauge.
func RecordMaxRecursionDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.recursionDepth.Set(float64(depth))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
