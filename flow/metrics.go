package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics, namespaced "pipeflow":
//
//   - runs_total{status}: ProcessPipeline calls by outcome
//   - workflow_exits_total{block,status}: workflow loop exits
//   - transitions_total{block,outcome}: committed or redirected transitions
//   - tool_latency_ms{tool,status}: tool call duration
//   - invalidations_total{block}: workflows reset to "start"
//   - namespaces_deleted_total: namespaces reclaimed by cleanup
//   - loop_guard_trips_total{block}: runs stopped by the iteration guard
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	runs              *prometheus.CounterVec
	workflowExits     *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	toolLatency       *prometheus.HistogramVec
	invalidations     *prometheus.CounterVec
	namespacesDeleted prometheus.Counter
	loopGuardTrips    *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the engine metrics with registry, or the
// default registerer when nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"status"}),
		workflowExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "workflow_exits_total",
			Help:      "Workflow loop exits by exit status",
		}, []string{"block", "status"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "transitions_total",
			Help:      "Transitions fired, by outcome (committed or redirected)",
		}, []string{"block", "outcome"}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeflow",
			Name:      "tool_latency_ms",
			Help:      "Tool call duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"tool", "status"}),
		invalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "invalidations_total",
			Help:      "Workflows reset to start because a validity check failed",
		}, []string{"block"}),
		namespacesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "namespaces_deleted_total",
			Help:      "Namespaces deleted by cleanup",
		}),
		loopGuardTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeflow",
			Name:      "loop_guard_trips_total",
			Help:      "Workflow runs stopped by the max-iteration guard",
		}, []string{"block"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordRun counts a finished ProcessPipeline call.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if pm.on() {
		pm.runs.WithLabelValues(status).Inc()
	}
}

// RecordWorkflowExit counts a workflow loop exit.
func (pm *PrometheusMetrics) RecordWorkflowExit(block, status string) {
	if pm.on() {
		pm.workflowExits.WithLabelValues(block, status).Inc()
	}
}

// RecordTransition counts a fired transition.
func (pm *PrometheusMetrics) RecordTransition(block, outcome string) {
	if pm.on() {
		pm.transitions.WithLabelValues(block, outcome).Inc()
	}
}

// RecordToolLatency observes a tool call.
func (pm *PrometheusMetrics) RecordToolLatency(tool string, latency time.Duration, status string) {
	if pm.on() {
		pm.toolLatency.WithLabelValues(tool, status).Observe(float64(latency.Milliseconds()))
	}
}

// IncrementInvalidations counts a workflow reset.
func (pm *PrometheusMetrics) IncrementInvalidations(block string) {
	if pm.on() {
		pm.invalidations.WithLabelValues(block).Inc()
	}
}

// AddNamespacesDeleted counts reclaimed namespaces.
func (pm *PrometheusMetrics) AddNamespacesDeleted(n int) {
	if pm.on() && n > 0 {
		pm.namespacesDeleted.Add(float64(n))
	}
}

// IncrementLoopGuardTrips counts a run stopped by the iteration guard.
func (pm *PrometheusMetrics) IncrementLoopGuardTrips(block string) {
	if pm.on() {
		pm.loopGuardTrips.WithLabelValues(block).Inc()
	}
}

// Disable stops recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
