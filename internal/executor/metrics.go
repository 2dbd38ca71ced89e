package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// ExecutorMetrics tracks statistics about plan execution.
type ExecutorMetrics struct {
	ActionsExecuted  int
	ActionsCompleted int
	ActionsFailed    int
	ActionsSkipped   int
	TotalDuration    time.Duration
	LongestAction    time.Duration
	ShortestAction   time.Duration
	TotalRetries     int
	PlansCompleted   int
	PlansFailed      int
	PlansCancelled   int
}

// Metrics accumulates ExecutorMetrics and mirrors them to Prometheus collectors
// when a registerer is given.
type Metrics struct {
	mu    sync.Mutex
	stats ExecutorMetrics

	actions       *prometheus.CounterVec
	plans         *prometheus.CounterVec
	retries       prometheus.Counter
	duration      *prometheus.HistogramVec
	planDuration  prometheus.Histogram
	prometheusSet bool
}

// NewMetrics creates the metrics. A nil registerer keeps them in process only.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonscale_actions_total",
			Help: "Actions reaching a terminal status",
		}, []string{"status"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonscale_plans_total",
			Help: "Plan runs by final status",
		}, []string{"status"}), // completed | failed | cancelled
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonscale_action_retries_total",
			Help: "Dispatch attempts repeated after a failure",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dragonscale_action_duration_seconds",
			Help:    "Module dispatch duration (seconds)",
			Buckets: prometheus.DefBuckets,
		}, []string{"module"}),
		planDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dragonscale_plan_duration_seconds",
			Help:    "Plan run duration (seconds)",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.plans, m.retries, m.duration, m.planDuration)
		m.prometheusSet = true
	}
	return m
}

func (m *Metrics) actionFinished(module string, status dragonscale.ActionStatus, d time.Duration) {
	m.mu.Lock()
	switch status {
	case dragonscale.ActionStatusCompleted:
		m.stats.ActionsCompleted++
	case dragonscale.ActionStatusFailed:
		m.stats.ActionsFailed++
	case dragonscale.ActionStatusSkipped:
		m.stats.ActionsSkipped++
	}
	// Cascade skips never ran.
	if module != "" {
		m.stats.ActionsExecuted++
		m.stats.TotalDuration += d
		if d > m.stats.LongestAction {
			m.stats.LongestAction = d
		}
		if d > 0 && (m.stats.ShortestAction == 0 || d < m.stats.ShortestAction) {
			m.stats.ShortestAction = d
		}
	}
	m.mu.Unlock()

	if m.prometheusSet {
		m.actions.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) dispatchObserved(module string, d time.Duration) {
	if m.prometheusSet {
		m.duration.WithLabelValues(module).Observe(d.Seconds())
	}
}

func (m *Metrics) retry() {
	m.mu.Lock()
	m.stats.TotalRetries++
	m.mu.Unlock()
	if m.prometheusSet {
		m.retries.Inc()
	}
}

func (m *Metrics) planFinished(status string, d time.Duration) {
	m.mu.Lock()
	switch status {
	case "completed":
		m.stats.PlansCompleted++
	case "cancelled":
		m.stats.PlansCancelled++
	default:
		m.stats.PlansFailed++
	}
	m.mu.Unlock()

	if m.prometheusSet {
		m.plans.WithLabelValues(status).Inc()
		m.planDuration.Observe(d.Seconds())
	}
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
