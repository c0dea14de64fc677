// Package collector harvests the audit trails of contributors into an
// AuditTrailStore.
//
// An IncrementalCollector owns one collection. A round reads the cursor of
// every contributor from the store, asks each contributor for the events
// after its cursor and stores every returned page once. Contributors that
// report more results are asked again straight away, and only they are, so
// a round ends when every contributor is drained or has failed:
//
//	round:   [p1 p2 p3] -> p2 partial -> [p2] -> p2 partial -> [p2] -> done
//
// Failing contributors are reported to the alarm sink and skipped for the
// rest of the round. At most one round per collection runs at a time.
//
// AuditTrailCollector schedules the rounds of several collections on a
// ticker and on demand.
package collector
