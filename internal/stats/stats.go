package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvoss/callgate/internal/ledger"
)

// Snapshot is the read-only summary served by GET /stats
type Snapshot struct {
	TotalSessions   int   `json:"total_sessions"`
	ActiveUsers     int   `json:"active_users"`
	Admissions      int64 `json:"admissions"`
	Rejections      int64 `json:"rejections"`
	Evictions       int64 `json:"evictions"`
	BackendFailures int64 `json:"backend_failures"`
}

// Reporter aggregates ledger state and in-process counters. The event
// counters reset on restart; they are deliberately not durable.
type Reporter struct {
	ledger *ledger.Ledger

	admissions      atomic.Int64
	rejections      atomic.Int64
	evictions       atomic.Int64
	backendFailures atomic.Int64

	admissionsTotal      prometheus.Counter
	rejectionsTotal      prometheus.Counter
	evictionsTotal       prometheus.Counter
	backendFailuresTotal prometheus.Counter
}

// New creates a reporter over the given ledger and registers its
// Prometheus collectors.
func New(l *ledger.Ledger, reg prometheus.Registerer) *Reporter {
	r := &Reporter{
		ledger: l,
		admissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgate_admissions_total",
			Help: "Sessions admitted since process start.",
		}),
		rejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgate_rejections_total",
			Help: "Admission attempts rejected since process start.",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgate_evictions_total",
			Help: "Sessions evicted to make room since process start.",
		}),
		backendFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callgate_backend_failures_total",
			Help: "Counter store failures observed on the admission path.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.admissionsTotal,
			r.rejectionsTotal,
			r.evictionsTotal,
			r.backendFailuresTotal,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "callgate_active_sessions",
				Help: "Currently admitted sessions across all users.",
			}, func() float64 { return float64(l.TotalSessions()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "callgate_active_users",
				Help: "Users with at least one admitted session.",
			}, func() float64 { return float64(l.UserCount()) }),
		)
	}
	return r
}

// RecordAdmission notes an Allowed outcome
func (r *Reporter) RecordAdmission() {
	r.admissions.Add(1)
	r.admissionsTotal.Inc()
}

// RecordRejection notes a Rejected outcome
func (r *Reporter) RecordRejection() {
	r.rejections.Add(1)
	r.rejectionsTotal.Inc()
}

// RecordEviction notes an AllowedWithEviction outcome
func (r *Reporter) RecordEviction() {
	r.evictions.Add(1)
	r.evictionsTotal.Inc()
}

// RecordBackendFailure notes a counter store failure on the admission path
func (r *Reporter) RecordBackendFailure() {
	r.backendFailures.Add(1)
	r.backendFailuresTotal.Inc()
}

// TotalSessions returns the number of admitted sessions across all users
func (r *Reporter) TotalSessions() int {
	return r.ledger.TotalSessions()
}

// ActiveUserCount returns the number of users holding sessions
func (r *Reporter) ActiveUserCount() int {
	return r.ledger.UserCount()
}

// RejectionCount returns rejections since process start
func (r *Reporter) RejectionCount() int64 {
	return r.rejections.Load()
}

// Stats returns the full summary
func (r *Reporter) Stats() Snapshot {
	return Snapshot{
		TotalSessions:   r.ledger.TotalSessions(),
		ActiveUsers:     r.ledger.UserCount(),
		Admissions:      r.admissions.Load(),
		Rejections:      r.rejections.Load(),
		Evictions:       r.evictions.Load(),
		BackendFailures: r.backendFailures.Load(),
	}
}
