package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for orchestration runs.
type Metrics struct {
	runs          *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	agentDuration *prometheus.HistogramVec
	quality       prometheus.Histogram
	escalations   *prometheus.CounterVec
	runsActive    prometheus.Gauge
}

// MustNewMetrics registers the collectors on reg (the default registerer when
// nil). Collectors already registered with the same descriptors are reused,
// so several engines can share one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onboarding",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Orchestration runs by outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onboarding",
			Subsystem: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each onboarding phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onboarding",
			Subsystem: "orchestrator",
			Name:      "agent_duration_seconds",
			Help:      "Agent invocation latency by agent and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "status"}),
		quality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "onboarding",
			Subsystem: "orchestrator",
			Name:      "data_quality_score",
			Help:      "Overall data quality score of aggregated employee records.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onboarding",
			Subsystem: "escalation",
			Name:      "chains_total",
			Help:      "Escalation chain runs by severity and result.",
		}, []string{"severity", "result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "onboarding",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Orchestration runs currently executing.",
		}),
	}

	m.runs = register(reg, m.runs)
	m.phaseDuration = register(reg, m.phaseDuration)
	m.agentDuration = register(reg, m.agentDuration)
	m.quality = register(reg, m.quality)
	m.escalations = register(reg, m.escalations)
	m.runsActive = register(reg, m.runsActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) ObserveAgent(agentID string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.agentDuration.WithLabelValues(agentID, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveQuality(score float64) {
	if m == nil {
		return
	}
	m.quality.Observe(score)
}

func (m *Metrics) ObserveEscalation(severity, result string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(severity, result).Inc()
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.runsActive.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m != nil {
		m.runsActive.Dec()
	}
}
