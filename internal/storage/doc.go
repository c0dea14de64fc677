// Package storage persists the audit trails the coordinator harvests from
// its contributors.
//
// # Overview
//
// Every contributor keeps an append-only audit trail numbered by sequence
// numbers starting at 1. The coordinator copies these trails incrementally:
// the largest sequence number stored for a contributor and collection is the
// cursor from which the next harvest continues.
//
//	┌─────────────────────────────────────┐
//	│   collector.IncrementalCollector    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          AuditTrailStore            │
//	└─────────────────────────────────────┘
//	          │                │
//	          ▼                ▼
//	    ┌──────────┐     ┌──────────┐
//	    │  Memory  │     │   Bolt   │
//	    │  Store   │     │  Store   │
//	    └──────────┘     └──────────┘
//
// # Implementations
//
// MemoryStore: in-memory storage with sync.RWMutex
//   - No persistence (data lost on restart)
//   - Suitable for tests and single process demos
//
// BoltStore: BoltDB file with one nested bucket per collection and
// contributor, keyed by big endian sequence number so the cursor is the
// last key of the bucket.
//
// # Semantics
//
// AddAuditTrails is idempotent per sequence number: delivering the same
// response twice stores its events once. Sequence number 0 is rejected with
// ErrInvalidEvent. Both implementations are safe for concurrent use.
//
// # Usage
//
//	store, err := storage.NewBoltStore("data/audittrails.db")
//	if err != nil {
//	    log.Fatalf("open audit store: %v", err)
//	}
//	defer store.Close()
//
//	seq, _ := store.LargestSequenceNumber("pillar-1", "books")
//	// ask pillar-1 for events after seq, then
//	err = store.AddAuditTrails(events, "books", "pillar-1")
package storage
