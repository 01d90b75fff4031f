package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	security    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking security events and proposal lifecycle changes.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			security: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "events",
				Name:      "security_total",
				Help:      "Count of rejected messages segmented by reason.",
			}, []string{"reason"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "a2a",
				Subsystem: "events",
				Name:      "proposal_transitions_total",
				Help:      "Count of payment proposal status changes segmented by target status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(eventRegistry.security, eventRegistry.transitions)
	})
	return eventRegistry
}

// RecordSecurity increments the security event counter.
func (m *eventMetrics) RecordSecurity(reason string) {
	if m == nil {
		return
	}
	m.security.WithLabelValues(labelOrUnknown(strings.ToLower(reason))).Inc()
}

// RecordTransition increments the transition counter for the target status.
func (m *eventMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(status)).Inc()
}
