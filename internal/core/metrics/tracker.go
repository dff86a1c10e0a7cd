// Package metrics aggregates debug-session metrics: how many
// sessions are live, how breakpoints and tracepoints behave, and how
// long debuggees sit stopped before resuming. A Prometheus registry
// mirrors the session, breakpoint-hit, tracepoint, step and
// stop-latency figures for the /metrics endpoint; breakpoints set and
// errored sessions appear only in the Snapshot.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a point-in-time view of the tracked metrics.
type Snapshot struct {
	SessionsCreated      int64   `json:"sessionsCreated"`
	SessionsActive       int64   `json:"sessionsActive"`
	SessionsErrored      int64   `json:"sessionsErrored"`
	BreakpointsSet       int64   `json:"breakpointsSet"`
	BreakpointsHit       int64   `json:"breakpointsHit"`
	TracepointsCollected int64   `json:"tracepointsCollected"`
	StepsExecuted        int64   `json:"stepsExecuted"`
	AvgStopMillis        float64 `json:"avgStopMillis"`
	LastUpdated          string  `json:"lastUpdated"`
}

// Tracker tracks debug-session metrics. All methods are safe for
// concurrent use.
type Tracker struct {
	mu sync.RWMutex

	sessionsCreated      int64
	sessionsActive       int64
	sessionsErrored      int64
	breakpointsSet       int64
	breakpointsHit       int64
	tracepointsCollected int64
	stepsExecuted        int64

	// stopDurations holds the most recent stop-to-resume latencies
	// in milliseconds, bounded so long-running orchestrators don't
	// accumulate unbounded samples.
	stopDurations    []float64
	maxStopDurations int

	reg *prometheus.Registry

	promSessionsActive prometheus.Gauge
	promSessions       prometheus.Counter
	promBreakpointsHit prometheus.Counter
	promTracepoints    prometheus.Counter
	promSteps          prometheus.Counter
	promStopLatency    prometheus.Histogram
}

// NewTracker creates a tracker with its own Prometheus registry.
func NewTracker() *Tracker {
	t := &Tracker{
		maxStopDurations: 1000,
		reg:              prometheus.NewRegistry(),
		promSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugctl_sessions_active",
			Help: "Debug sessions currently alive.",
		}),
		promSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debugctl_sessions_created_total",
			Help: "Debug sessions created since start.",
		}),
		promBreakpointsHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debugctl_breakpoints_hit_total",
			Help: "Breakpoint stops observed, including tracepoint hits.",
		}),
		promTracepoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debugctl_tracepoints_collected_total",
			Help: "Tracepoint snapshots appended to session buffers.",
		}),
		promSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debugctl_steps_executed_total",
			Help: "Step operations (in/over/out) issued to adapters.",
		}),
		promStopLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "debugctl_stop_to_resume_seconds",
			Help:    "Time a debuggee spent paused before resuming.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	t.reg.MustRegister(
		t.promSessionsActive,
		t.promSessions,
		t.promBreakpointsHit,
		t.promTracepoints,
		t.promSteps,
		t.promStopLatency,
	)
	return t
}

// Handler serves this tracker's registry in Prometheus exposition
// format.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

// SessionCreated records a new session coming up.
func (t *Tracker) SessionCreated() {
	t.mu.Lock()
	t.sessionsCreated++
	t.sessionsActive++
	t.mu.Unlock()
	t.promSessions.Inc()
	t.promSessionsActive.Inc()
}

// SessionClosed records a session leaving the table. errored marks
// sessions that died in the error state.
func (t *Tracker) SessionClosed(errored bool) {
	t.mu.Lock()
	if t.sessionsActive > 0 {
		t.sessionsActive--
	}
	if errored {
		t.sessionsErrored++
	}
	t.mu.Unlock()
	t.promSessionsActive.Dec()
}

// BreakpointSet records a breakpoint being registered.
func (t *Tracker) BreakpointSet() {
	t.mu.Lock()
	t.breakpointsSet++
	t.mu.Unlock()
}

// BreakpointHit records a stopped event attributed to a breakpoint.
func (t *Tracker) BreakpointHit() {
	t.mu.Lock()
	t.breakpointsHit++
	t.mu.Unlock()
	t.promBreakpointsHit.Inc()
}

// TracepointCollected records one trace snapshot.
func (t *Tracker) TracepointCollected() {
	t.mu.Lock()
	t.tracepointsCollected++
	t.mu.Unlock()
	t.promTracepoints.Inc()
}

// StepExecuted records one step operation.
func (t *Tracker) StepExecuted() {
	t.mu.Lock()
	t.stepsExecuted++
	t.mu.Unlock()
	t.promSteps.Inc()
}

// StopResumed records how long a debuggee sat paused before a
// continue or step resumed it.
func (t *Tracker) StopResumed(stopped time.Duration) {
	ms := float64(stopped.Milliseconds())
	t.mu.Lock()
	t.stopDurations = append(t.stopDurations, ms)
	if len(t.stopDurations) > t.maxStopDurations {
		t.stopDurations = t.stopDurations[1:]
	}
	t.mu.Unlock()
	t.promStopLatency.Observe(stopped.Seconds())
}

// GetSnapshot returns current values.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	avg := 0.0
	if len(t.stopDurations) > 0 {
		sum := 0.0
		for _, d := range t.stopDurations {
			sum += d
		}
		avg = sum / float64(len(t.stopDurations))
	}

	return Snapshot{
		SessionsCreated:      t.sessionsCreated,
		SessionsActive:       t.sessionsActive,
		SessionsErrored:      t.sessionsErrored,
		BreakpointsSet:       t.breakpointsSet,
		BreakpointsHit:       t.breakpointsHit,
		TracepointsCollected: t.tracepointsCollected,
		StepsExecuted:        t.stepsExecuted,
		AvgStopMillis:        avg,
		LastUpdated:          time.Now().Format(time.RFC3339),
	}
}
