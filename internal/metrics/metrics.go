// Package metrics exposes Prometheus instrumentation for the supervisor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal tracks admission decisions per unit of work
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_requests_total",
			Help: "Units of work by admission decision",
		},
		[]string{"decision"},
	)

	// auditEntries tracks audit records by kind
	auditEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_audit_entries_total",
			Help: "Audit entries recorded by event kind",
		},
		[]string{"kind"},
	)

	// auditDegraded is 1 while the audit logger buffers in memory
	auditDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_audit_degraded",
			Help: "Whether the audit logger is in degraded buffering mode",
		},
	)

	// auditBuffered tracks entries waiting in the audit fallback buffer
	auditBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_audit_buffered_entries",
			Help: "Audit entries held in the in-memory fallback buffer",
		},
	)

	// integrityViolations tracks baseline mismatches by kind
	integrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_integrity_violations_total",
			Help: "Integrity violations detected by kind",
		},
		[]string{"kind"},
	)

	// activeSessions tracks in-flight units of work
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Units of work currently in flight",
		},
	)

	// lastHeartbeat tracks the most recent heartbeat as a unix timestamp
	lastHeartbeat = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_last_heartbeat_timestamp_seconds",
			Help: "Unix timestamp of the last status heartbeat write",
		},
	)

	// limiterUsers tracks user windows held by the rate limiter
	limiterUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_ratelimit_tracked_users",
			Help: "User windows currently tracked by the rate limiter",
		},
	)
)

// Admission decision labels.
const (
	DecisionAllowed       = "allowed"
	DecisionRateLimited   = "rate_limited"
	DecisionInputRejected = "input_rejected"
)

// RecordRequest increments the admission counter for a decision.
func RecordRequest(decision string) {
	requestsTotal.WithLabelValues(decision).Inc()
}

// RecordAuditEntry increments the audit entry counter for a kind.
func RecordAuditEntry(kind string) {
	auditEntries.WithLabelValues(kind).Inc()
}

// SetAuditHealth mirrors the audit logger's degraded state.
func SetAuditHealth(degraded bool, buffered int) {
	if degraded {
		auditDegraded.Set(1)
	} else {
		auditDegraded.Set(0)
	}
	auditBuffered.Set(float64(buffered))
}

// RecordIntegrityViolation increments the violation counter for a kind.
func RecordIntegrityViolation(kind string) {
	integrityViolations.WithLabelValues(kind).Inc()
}

// SessionStarted increments the in-flight gauge.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionFinished decrements the in-flight gauge.
func SessionFinished() {
	activeSessions.Dec()
}

// SetHeartbeat records the time of a status write.
func SetHeartbeat(ts time.Time) {
	lastHeartbeat.Set(float64(ts.Unix()))
}

// SetTrackedUsers mirrors the limiter's user window count.
func SetTrackedUsers(n int) {
	limiterUsers.Set(float64(n))
}
