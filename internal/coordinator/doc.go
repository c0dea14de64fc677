// Package coordinator implements the control plane of a bitkeep deployment:
// which contributors serve which collection, and which of them are healthy
// enough to be asked.
//
// # Overview
//
// Every operation and every audit trail round needs an expected set of
// contributors. The coordinator keeps that set per collection and filters
// out contributors that keep failing, so one dead pillar does not cost
// every round a full identify timeout.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         COORDINATOR                 │
//	├─────────────────────────────────────┤
//	│  ┌──────────────────────────────┐   │
//	│  │   CollectionRegistry         │   │
//	│  │   - collection → pillars     │   │
//	│  │   - pillar → collections     │   │
//	│  └──────────────────────────────┘   │
//	│  ┌──────────────────────────────┐   │
//	│  │   ContributorHealth          │   │
//	│  │   - consecutive failures     │   │
//	│  │   - exclusion threshold      │   │
//	│  │   - recheck-based recovery   │   │
//	│  └──────────────────────────────┘   │
//	└─────────────────────────────────────┘
//
// # Core Components
//
// CollectionRegistry: Central registry of collections
//   - Holds the sorted, duplicate-free contributor set per collection
//   - Returns copies so callers can never alter the registry
//   - Satisfies collector.ContributorSource
//
// ContributorHealth: Failure tracking per contributor
//   - RecordFailure counts consecutive failures reported by the collector
//   - A contributor is excluded after maxFailures (default 3)
//   - Excluded contributors are rechecked every interval and readmitted on
//     the first success
//   - Satisfies collector.HealthTracker
//
// # Failure Scenarios and Recovery
//
// Contributor failures:
//   - Detection: identify or request timeouts, failure responses
//   - Impact: the contributor is skipped for the rest of the round
//   - Exclusion: after 3 consecutive failed rounds
//   - Recovery: first successful recheck or response
//
// Coordinator failures:
//   - Harvested audit trails survive in the bbolt store
//   - Cursors are read back from the store on the next round
//
// # Usage Example
//
//	registry := NewCollectionRegistry()
//	registry.Register("books", []string{"pillar-1", "pillar-2"})
//
//	health := NewContributorHealth(time.Minute, 3, logger)
//	health.SetRecoveryCheck(func(ctx context.Context, id string) error {
//	    return pingContributor(ctx, id)
//	})
//	go health.Start(ctx)
//	defer health.Stop()
//
// # See Also
//
// Related packages:
//   - internal/collector: Audit trail rounds that consult this package
//   - internal/conversation: The identify/request protocol
//   - cmd/coordinator: Coordinator server implementation
package coordinator
