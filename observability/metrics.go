package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *ProtocolMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// ProtocolMetrics tracks JSON-RPC message handling.
type ProtocolMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Protocol returns the lazily-initialised registry recording A2A method activity.
func Protocol() *ProtocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total A2A JSON-RPC messages segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total A2A JSON-RPC error responses segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "a2a",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for A2A message processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			protocolRegistry.requests,
			protocolRegistry.errors,
			protocolRegistry.latency,
		)
	})
	return protocolRegistry
}

// Observe records the outcome of one message. code is empty on success.
func (m *ProtocolMetrics) Observe(method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	method = labelOrUnknown(method)
	outcome := "success"
	if code != "" {
		outcome = "error"
		m.errors.WithLabelValues(method, code).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// SettlementMetrics wraps collectors tracking auto-execution and budget decisions.
type SettlementMetrics struct {
	executions    *prometheus.CounterVec
	executionTime *prometheus.HistogramVec
	budgetDenials *prometheus.CounterVec
}

// Settlement exposes the metrics registry for payment execution.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "settlement",
				Name:      "executions_total",
				Help:      "Count of auto-executed transfers segmented by token and outcome.",
			}, []string{"token", "outcome"}),
			executionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "a2a",
				Subsystem: "settlement",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution for broadcasting transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"token"}),
			budgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "settlement",
				Name:      "budget_denials_total",
				Help:      "Count of confirmations refused by the budget guard.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			settlementRegistry.executions,
			settlementRegistry.executionTime,
			settlementRegistry.budgetDenials,
		)
	})
	return settlementRegistry
}

// RecordExecution notes a broadcast attempt.
func (m *SettlementMetrics) RecordExecution(token string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	label := labelToken(token)
	m.executions.WithLabelValues(label, outcome).Inc()
	m.executionTime.WithLabelValues(label).Observe(d.Seconds())
}

// RecordBudgetDenial increments the denial counter.
func (m *SettlementMetrics) RecordBudgetDenial(token string) {
	if m == nil {
		return
	}
	m.budgetDenials.WithLabelValues(labelToken(token)).Inc()
}

func labelToken(token string) string {
	return labelOrUnknown(strings.ToUpper(token))
}

func labelOrUnknown(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}
