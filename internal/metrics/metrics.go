// Package metrics collects and exposes Zerver runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-step/per-effect counters + time
//     series) for a lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets an operator inspect a single instance without a
// Prometheus sidecar while still supporting enterprise monitoring stacks.
//
// # Concurrency — hot path
//
// RecordStep and RecordEffect are called from the engine and effect
// dispatcher on every step completion and effect dispatch and must be as
// fast as possible. They use atomic increments for global counters, and
// RecordStep also dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously
// (RecordEffect does not feed the time series). This avoids holding any
// lock on the hot path.
//
// The per-step and per-effect-kind metric structs use atomic operations
// exclusively; the sync.Map that stores per-key entries is read-heavy and
// write-once-per-new-key, the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalSteps == SuccessSteps + FailedSteps (maintained by RecordStep).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Steps        int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes Zerver runtime metrics.
type Metrics struct {
	// Step execution metrics
	TotalSteps  atomic.Int64
	SuccessSteps atomic.Int64
	FailedSteps atomic.Int64

	TotalStepLatencyMs atomic.Int64
	MinStepLatencyMs   atomic.Int64
	MaxStepLatencyMs   atomic.Int64

	// Effect dispatch metrics
	EffectsDispatched atomic.Int64
	EffectsSucceeded  atomic.Int64
	EffectsFailed     atomic.Int64

	// Join resolution metrics
	JoinsResolved       atomic.Int64
	JoinsResumedSuccess atomic.Int64
	JoinsResumedFailure atomic.Int64

	// Recursion depth telemetry for the Need recursion cap
	MaxObservedDepth atomic.Int64

	// Per-step metrics
	stepMetrics sync.Map // step name -> *KeyMetrics

	// Per-effect-kind metrics
	effectMetrics sync.Map // effect kind -> *KeyMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// KeyMetrics tracks latency and outcome counts for a single step name or
// effect kind.
type KeyMetrics struct {
	Count    atomic.Int64
	Successes atomic.Int64
	Failures atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinStepLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordStep records a completed step execution, tagged by phase (e.g.
// global_before, route_before, main) and step name.
func (m *Metrics) RecordStep(phase, stepName string, durationMs int64, success bool) {
	m.TotalSteps.Add(1)
	if success {
		m.SuccessSteps.Add(1)
	} else {
		m.FailedSteps.Add(1)
	}

	m.TotalStepLatencyMs.Add(durationMs)
	updateMin(&m.MinStepLatencyMs, durationMs)
	updateMax(&m.MaxStepLatencyMs, durationMs)

	km := m.getKeyMetrics(&m.stepMetrics, stepName)
	km.Count.Add(1)
	if success {
		km.Successes.Add(1)
	} else {
		km.Failures.Add(1)
	}
	km.TotalMs.Add(durationMs)
	updateMin(&km.MinMs, durationMs)
	updateMax(&km.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusStep(phase, stepName, durationMs, success)
}

// RecordEffect records a completed effect dispatch, tagged by effect kind.
func (m *Metrics) RecordEffect(kind string, durationMs int64, success bool) {
	m.EffectsDispatched.Add(1)
	if success {
		m.EffectsSucceeded.Add(1)
	} else {
		m.EffectsFailed.Add(1)
	}

	km := m.getKeyMetrics(&m.effectMetrics, kind)
	km.Count.Add(1)
	if success {
		km.Successes.Add(1)
	} else {
		km.Failures.Add(1)
	}
	km.TotalMs.Add(durationMs)
	updateMin(&km.MinMs, durationMs)
	updateMax(&km.MaxMs, durationMs)

	RecordPrometheusEffect(kind, durationMs, success)
}

// RecordJoinResolution records a join resolver resume decision.
func (m *Metrics) RecordJoinResolution(policy string, resumedSuccess bool) {
	m.JoinsResolved.Add(1)
	if resumedSuccess {
		m.JoinsResumedSuccess.Add(1)
	} else {
		m.JoinsResumedFailure.Add(1)
	}
	RecordPrometheusJoin(policy, resumedSuccess)
}

// RecordDepth records the recursion depth reached by an execution context,
// tracking the high-water mark for operational visibility ahead of the cap.
func (m *Metrics) RecordDepth(depth int) {
	for {
		old := m.MaxObservedDepth.Load()
		if int64(depth) <= old {
			return
		}
		if m.MaxObservedDepth.CompareAndSwap(old, int64(depth)) {
			RecordMaxRecursionDepth(depth)
			return
		}
	}
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot step-completion path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Steps++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getKeyMetrics(store *sync.Map, key string) *KeyMetrics {
	if v, ok := store.Load(key); ok {
		return v.(*KeyMetrics)
	}

	km := &KeyMetrics{}
	km.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := store.LoadOrStore(key, km)
	return actual.(*KeyMetrics)
}

// StepStats returns per-step-name metrics.
func (m *Metrics) StepStats() map[string]interface{} {
	return keyMetricsSnapshot(&m.stepMetrics)
}

// EffectStats returns per-effect-kind metrics.
func (m *Metrics) EffectStats() map[string]interface{} {
	return keyMetricsSnapshot(&m.effectMetrics)
}

func keyMetricsSnapshot(store *sync.Map) map[string]interface{} {
	result := make(map[string]interface{})
	store.Range(func(key, value interface{}) bool {
		name := key.(string)
		km := value.(*KeyMetrics)

		total := km.Count.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(km.TotalMs.Load()) / float64(total)
		}

		minMs := km.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[name] = map[string]interface{}{
			"count":      total,
			"successes":  km.Successes.Load(),
			"failures":   km.Failures.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     km.MaxMs.Load(),
		}
		return true
	})
	return result
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalSteps.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalStepLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinStepLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"steps": map[string]interface{}{
			"total":   total,
			"success": m.SuccessSteps.Load(),
			"failed":  m.FailedSteps.Load(),
		},
		"step_latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxStepLatencyMs.Load(),
		},
		"effects": map[string]interface{}{
			"dispatched": m.EffectsDispatched.Load(),
			"succeeded":  m.EffectsSucceeded.Load(),
			"failed":     m.EffectsFailed.Load(),
		},
		"joins": map[string]interface{}{
			"resolved":        m.JoinsResolved.Load(),
			"resumed_success": m.JoinsResumedSuccess.Load(),
			"resumed_failure": m.JoinsResumedFailure.Load(),
		},
		"max_observed_depth": m.MaxObservedDepth.Load(),
		"ts_dropped_events":  m.tsDroppedEvents.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["steps_by_name"] = m.StepStats()
		result["effects_by_kind"] = m.EffectStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"steps":        bucket.Steps,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
