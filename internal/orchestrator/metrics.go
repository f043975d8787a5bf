package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes run outcomes, stage latency and repair counts.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	repairs       prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starry",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome (accepted or failure kind).",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "starry",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Stage call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "starry",
			Subsystem: "engine",
			Name:      "repair_attempts_total",
			Help:      "Repair rewrites triggered by failing consistency checks.",
		}),
	}

	for _, c := range []prometheus.Collector{m.runs, m.stageDuration, m.repairs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStage(stage Stage, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRepair() {
	if m == nil {
		return
	}
	m.repairs.Inc()
}
