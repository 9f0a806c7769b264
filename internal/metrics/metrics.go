// ABOUTME: Prometheus metrics for placement, lifecycle, sessions and resume
// ABOUTME: All recording methods are safe on a nil *Metrics so components can run unmetered

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "botfleet"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Placement metrics
	PlacementsTotal *prometheus.CounterVec

	// Lifecycle metrics
	StatusUpdatesTotal *prometheus.CounterVec
	ExpirationsTotal   prometheus.Counter

	// Resume metrics
	ResumeCleanupsTotal prometheus.Counter

	// Session metrics
	SendsTotal   *prometheus.CounterVec
	LiveSessions prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PlacementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placements_total",
				Help:      "Registration placement decisions by outcome",
			},
			[]string{"outcome"},
		),

		StatusUpdatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_updates_total",
				Help:      "Bot status transitions written by the supervisor",
			},
			[]string{"status"},
		),

		ExpirationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expirations_total",
				Help:      "Approvals reverted by the expiry sweep",
			},
		),

		ResumeCleanupsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resume_cleanups_total",
				Help:      "Bots deleted because they did not come up within the resume grace period",
			},
		),

		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Outbound send attempts by result",
			},
			[]string{"result"},
		),

		LiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_sessions",
				Help:      "Connection handles currently held by the supervisor",
			},
		),
	}
}

// RecordPlacement records a placement outcome (accepted, redistributed, conflict, full).
func (m *Metrics) RecordPlacement(outcome string) {
	if m == nil {
		return
	}
	m.PlacementsTotal.WithLabelValues(outcome).Inc()
}

// RecordStatus records a status write-back
func (m *Metrics) RecordStatus(status string) {
	if m == nil {
		return
	}
	m.StatusUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordExpirations adds n reverted approvals
func (m *Metrics) RecordExpirations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpirationsTotal.Add(float64(n))
}

// RecordResumeCleanup records one unrecoverable-resume deletion
func (m *Metrics) RecordResumeCleanup() {
	if m == nil {
		return
	}
	m.ResumeCleanupsTotal.Inc()
}

// RecordSend records a send attempt
func (m *Metrics) RecordSend(delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "undeliverable"
	}
	m.SendsTotal.WithLabelValues(result).Inc()
}

// UpdateLiveSessions sets the live session gauge
func (m *Metrics) UpdateLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}
