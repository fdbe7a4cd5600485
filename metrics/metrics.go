// Package metrics holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// Metrics provides observability for sequence issuance, mandates, recording
// and distribution.
type Metrics struct {
	IdentifiersIssued      *prometheus.CounterVec
	CapacityExceeded       *prometheus.CounterVec
	IntegrityWarnings      *prometheus.CounterVec
	ReconciliationWarnings prometheus.Counter
	MandateActivations     prometheus.Counter
	CasesRecorded          prometheus.Counter
	PaymentsRecorded       prometheus.Counter
	CasesClosed            prometheus.Counter
	RecordingDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IdentifiersIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gestcontentieux_identifiers_issued_total",
			Help: "Formatted identifiers issued, by sequence domain",
		}, []string{"domain"}),
		CapacityExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gestcontentieux_sequence_capacity_exceeded_total",
			Help: "Identifier requests rejected because the period counter is full",
		}, []string{"domain"}),
		IntegrityWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gestcontentieux_sequence_gaps_total",
			Help: "Sequence gaps reported by integrity checks",
		}, []string{"domain"}),
		ReconciliationWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "gestcontentieux_distribution_drift_total",
			Help: "Distributions whose shares drifted beyond the rounding tolerance",
		}),
		MandateActivations: f.NewCounter(prometheus.CounterOpts{
			Name: "gestcontentieux_mandate_activations_total",
			Help: "Successful mandate activations",
		}),
		CasesRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "gestcontentieux_cases_recorded_total",
			Help: "Cases created with their first payment",
		}),
		PaymentsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "gestcontentieux_payments_recorded_total",
			Help: "Payments recorded and distributed",
		}),
		CasesClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "gestcontentieux_cases_closed_total",
			Help: "Cases closed because payments reached the total fine",
		}),
		RecordingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gestcontentieux_recording_duration_seconds",
			Help:    "Duration of recording transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation", "outcome"}),
	}
}

func (m *Metrics) IncIdentifierIssued(d fiscal.Domain) {
	if m == nil {
		return
	}
	m.IdentifiersIssued.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) IncCapacityExceeded(d fiscal.Domain) {
	if m == nil {
		return
	}
	m.CapacityExceeded.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) AddIntegrityWarnings(d fiscal.Domain, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IntegrityWarnings.WithLabelValues(string(d)).Add(float64(n))
}

func (m *Metrics) IncReconciliationWarning() {
	if m == nil {
		return
	}
	m.ReconciliationWarnings.Inc()
}

func (m *Metrics) IncMandateActivation() {
	if m == nil {
		return
	}
	m.MandateActivations.Inc()
}

func (m *Metrics) IncCaseRecorded() {
	if m == nil {
		return
	}
	m.CasesRecorded.Inc()
}

func (m *Metrics) IncPaymentRecorded() {
	if m == nil {
		return
	}
	m.PaymentsRecorded.Inc()
}

func (m *Metrics) IncCaseClosed() {
	if m == nil {
		return
	}
	m.CasesClosed.Inc()
}

// ObserveRecording records the duration of a recording transaction.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveRecording(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RecordingDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
