package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время построения решения (включая фичи и бэкенд)
	DecisionDuration *prometheus.HistogramVec

	// Traffic: общее кол-во решений
	DecisionsTotal *prometheus.CounterVec

	// Fallback: детерминированные решения по причинам
	FallbackTotal *prometheus.CounterVec

	// Errors: классификация отказов внутри решения
	ErrorTotal *prometheus.CounterVec

	// Governance: вердикты политик живых решений
	PolicyVerdicts *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило, 0.5 - пробуем)
	CircuitBreakerState *prometheus.GaugeVec

	// Failover: переключения внешнего бэкенда на статистику
	BackendFailovers *prometheus.CounterVec

	// Drift: последний балл дрейфа по субъекту
	DriftScore *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decision_gate_decision_duration_seconds",
			Help:    "Histogram of decision latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"use_case", "outcome"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decision_gate_decisions_total",
			Help: "Total number of decision requests.",
		}, []string{"use_case"}),

		FallbackTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decision_gate_fallbacks_total",
			Help: "Total number of rule-based fallback decisions.",
		}, []string{"use_case", "reason"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decision_gate_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: features, backend, explain, policy, panic, audit

		PolicyVerdicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decision_gate_policy_verdicts_total",
			Help: "Decision-time policy verdicts.",
		}, []string{"verdict"}), // allow, require_approval, deny

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "decision_gate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"backend"}),

		BackendFailovers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "decision_gate_backend_failovers_total",
			Help: "Total number of switches from the external backend to the statistical one.",
		}, []string{"backend"}),

		DriftScore: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "decision_gate_drift_score",
			Help: "Latest drift score per monitored subject.",
		}, []string{"subject", "type"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "decision_gate_audit_buffer_utilization",
			Help: "Current number of records in audit buffer.",
		}),
	}
}
