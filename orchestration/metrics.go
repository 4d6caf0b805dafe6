package orchestration

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine execution metrics for Prometheus scraping.
//
// Metrics exposed (all namespaced "twingraph_"):
//
// 1. invocations_total (counter): component invocations started.
// Labels: component, platform.
//
// 2. execution_duration_seconds (histogram): wall time per invocation from
// dispatch to recording. Labels: component, platform.
//
// 3. errors_total (counter): terminal invocation failures.
// Labels: component, platform, kind (validation, configuration, timeout,
// cancelled, platform, graph, unknown).
//
// 4. retries_total (counter): retry attempts beyond the first.
// Labels: component, platform.
//
// 5. lineage_loss_total (counter): successful invocations whose vertex
// could not be recorded after exhausting the store's retry budget.
//
// 6. inflight_components (gauge): invocations currently executing.
//
// 7. worker_queue_depth (gauge): submissions waiting on the distributed
// pipeline pool.
//
// Thread-safe; counter and histogram updates are atomic.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	lineageLoss prometheus.Counter
	inflight    prometheus.Gauge
	queueDepth  prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers the engine metrics. Pass a dedicated
// registry for isolation, or nil for the global default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.invocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twingraph",
		Name:      "invocations_total",
		Help:      "Component invocations started",
	}, []string{"component", "platform"})

	m.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "twingraph",
		Name:      "execution_duration_seconds",
		Help:      "Component invocation wall time from dispatch to recording",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 60, 300, 1800},
	}, []string{"component", "platform"})

	m.errors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twingraph",
		Name:      "errors_total",
		Help:      "Terminal invocation failures by error kind",
	}, []string{"component", "platform", "kind"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twingraph",
		Name:      "retries_total",
		Help:      "Retry attempts beyond the first, per component",
	}, []string{"component", "platform"})

	m.lineageLoss = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "twingraph",
		Name:      "lineage_loss_total",
		Help:      "Successful invocations whose lineage vertex could not be recorded",
	})

	m.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "twingraph",
		Name:      "inflight_components",
		Help:      "Component invocations currently executing",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "twingraph",
		Name:      "worker_queue_depth",
		Help:      "Submissions waiting on the distributed pipeline worker pool",
	})

	return m
}

// RecordInvocation counts one started invocation.
func (m *Metrics) RecordInvocation(component, platform string) {
	if m == nil || !m.recording() {
		return
	}
	m.invocations.WithLabelValues(component, platform).Inc()
}

// RecordDuration observes one invocation's wall time.
func (m *Metrics) RecordDuration(component, platform string, elapsed time.Duration) {
	if m == nil || !m.recording() {
		return
	}
	m.duration.WithLabelValues(component, platform).Observe(elapsed.Seconds())
}

// RecordError counts one terminal failure under its error kind.
func (m *Metrics) RecordError(component, platform, kind string) {
	if m == nil || !m.recording() {
		return
	}
	m.errors.WithLabelValues(component, platform, kind).Inc()
}

// RecordRetries counts retry attempts beyond the first.
func (m *Metrics) RecordRetries(component, platform string, attempts int) {
	if m == nil || !m.recording() || attempts <= 1 {
		return
	}
	m.retries.WithLabelValues(component, platform).Add(float64(attempts - 1))
}

// RecordLineageLoss counts one unrecorded successful invocation.
func (m *Metrics) RecordLineageLoss() {
	if m == nil || !m.recording() {
		return
	}
	m.lineageLoss.Inc()
}

// InvocationStarted and InvocationFinished bracket the in-flight gauge.
func (m *Metrics) InvocationStarted() {
	if m == nil || !m.recording() {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) InvocationFinished() {
	if m == nil || !m.recording() {
		return
	}
	m.inflight.Dec()
}

// UpdateQueueDepth sets the worker-pool backlog gauge.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if m == nil || !m.recording() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recording() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording; useful in tests.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
