package disclosure

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for disclosure decisions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	decisions       *prometheus.CounterVec
	auditWrites     *prometheus.CounterVec
	duplicateGrants prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "disclosure",
				Name:      "decisions_total",
				Help:      "Total number of disclosure requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		auditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "disclosure",
				Name:      "audit_writes_total",
				Help:      "Total number of audit record writes by result",
			},
			[]string{"result"},
		),
		duplicateGrants: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "disclosure",
				Name:      "duplicate_active_grants_total",
				Help:      "Number of lookups that found more than one active grant for a clinician/patient pair",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.auditWrites, m.duplicateGrants)
	}
	return m
}

const (
	opGetProfile   = "get_patient_profile"
	opListPatients = "list_authorized_patients"
)

func (m *Metrics) decision(operation string, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) auditWrite(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.auditWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) duplicateGrant() {
	if m == nil {
		return
	}
	m.duplicateGrants.Inc()
}
