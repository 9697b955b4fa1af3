package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	v1 "github.com/anyon/anyon/pkg/api/v1"
)

// Plan resumption outcomes.
const (
	ResumeStarted = "started"
	ResumeNoPlan  = "no_plan"
)

// Metrics exposes Prometheus collectors that report orchestration activity.
// It doubles as the container service observer.
type Metrics struct {
	approvalsResponded *prometheus.CounterVec
	planResumptions    *prometheus.CounterVec
	chainAdvances      *prometheus.CounterVec
	processExits       *prometheus.CounterVec
	executionsRunning  prometheus.Gauge
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Tests should pass a fresh registry. Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		approvalsResponded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anyon",
				Subsystem: "orchestrator",
				Name:      "approvals_responded_total",
				Help:      "Approval requests resolved, by decision.",
			},
			[]string{"status"},
		),
		planResumptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anyon",
				Subsystem: "orchestrator",
				Name:      "plan_resumptions_total",
				Help:      "Follow-up executions attempted after an approved plan, by outcome.",
			},
			[]string{"outcome"},
		),
		chainAdvances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anyon",
				Subsystem: "executions",
				Name:      "chain_advances_total",
				Help:      "Queued actions started after a completed execution, by outcome.",
			},
			[]string{"outcome"},
		),
		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anyon",
				Subsystem: "executions",
				Name:      "process_exits_total",
				Help:      "Execution processes that reached a terminal status.",
			},
			[]string{"status"},
		),
		executionsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "anyon",
				Subsystem: "executions",
				Name:      "running",
				Help:      "Execution processes currently supervised by this server.",
			},
		),
	}

	reg.MustRegister(m.approvalsResponded, m.planResumptions, m.chainAdvances, m.processExits, m.executionsRunning)
	return m
}

// ApprovalResponded counts a resolved approval.
func (m *Metrics) ApprovalResponded(status v1.ApprovalStatus) {
	if m == nil {
		return
	}
	m.approvalsResponded.WithLabelValues(string(status)).Inc()
}

// PlanResumed counts a plan resumption outcome.
func (m *Metrics) PlanResumed(outcome string) {
	if m == nil {
		return
	}
	m.planResumptions.WithLabelValues(outcome).Inc()
}

// ExecutionStarted implements lifecycle.Observer.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsRunning.Inc()
}

// ExecutionExited implements lifecycle.Observer.
func (m *Metrics) ExecutionExited(status v1.ExecutionProcessStatus) {
	if m == nil {
		return
	}
	m.executionsRunning.Dec()
	m.processExits.WithLabelValues(string(status)).Inc()
}

// ChainAdvanced implements lifecycle.Observer.
func (m *Metrics) ChainAdvanced(outcome string) {
	if m == nil {
		return
	}
	m.chainAdvances.WithLabelValues(outcome).Inc()
}
