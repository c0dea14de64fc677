// Package metrics holds the process wide operation counters exposed by the
// coordinator.
package metrics

import "sync/atomic"

// Metrics holds atomic counters for observability.
type Metrics struct {
	OperationsStarted   atomic.Int64
	OperationsCompleted atomic.Int64
	OperationsFailed    atomic.Int64
	ContributorTimeouts atomic.Int64
	ContributorFailures atomic.Int64
	ForeignResponses    atomic.Int64
	AuditRounds         atomic.Int64
	AuditsCollected     atomic.Int64
	AuditRoundsSkipped  atomic.Int64
	ChecksumConflicts   atomic.Int64
	AlarmsRaised        atomic.Int64
	AlarmsSuppressed    atomic.Int64
}

// Snapshot returns all metrics as a string-keyed map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"operations_started_total":   m.OperationsStarted.Load(),
		"operations_completed_total": m.OperationsCompleted.Load(),
		"operations_failed_total":    m.OperationsFailed.Load(),
		"contributor_timeouts_total": m.ContributorTimeouts.Load(),
		"contributor_failures_total": m.ContributorFailures.Load(),
		"foreign_responses_total":    m.ForeignResponses.Load(),
		"audit_rounds_total":         m.AuditRounds.Load(),
		"audits_collected_total":     m.AuditsCollected.Load(),
		"audit_rounds_skipped_total": m.AuditRoundsSkipped.Load(),
		"checksum_conflicts_total":   m.ChecksumConflicts.Load(),
		"alarms_raised_total":        m.AlarmsRaised.Load(),
		"alarms_suppressed_total":    m.AlarmsSuppressed.Load(),
	}
}

// OrDiscard returns m, or a fresh unshared Metrics when m is nil so callers
// never need to nil-check before counting.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return &Metrics{}
	}
	return m
}
