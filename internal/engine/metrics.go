package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	nodes           *prometheus.CounterVec
	hitl            *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	runs            *prometheus.CounterVec
}

// NewMetrics creates the executor collectors and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		nodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiagent_nodes_total",
				Help: "Plan nodes dispatched, by kind",
			},
			[]string{"kind"},
		),
		hitl: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiagent_hitl_total",
				Help: "Human-in-the-loop escalations, by reason",
			},
			[]string{"reason"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "multiagent_handler_duration_seconds",
				Help:    "Duration of handler invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id", "outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiagent_runs_total",
				Help: "Plan executions, by final status",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.nodes, m.hitl, m.handlerDuration, m.runs)
	return m
}

func (m *Metrics) nodeDispatched(kind string) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(kind).Inc()
}

func (m *Metrics) hitlEscalated(reason string) {
	if m == nil {
		return
	}
	m.hitl.WithLabelValues(reason).Inc()
}

func (m *Metrics) handlerObserved(agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(agentID, outcome).Observe(d.Seconds())
}

func (m *Metrics) runFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}
