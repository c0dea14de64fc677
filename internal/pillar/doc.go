// Package pillar implements a reference contributor: an in-memory archive
// of one collection that answers the conversation protocol over a
// bus.Channel.
//
// # Overview
//
// A pillar listens on two destinations:
//
//	bitkeep.collection.<collection>   identify broadcasts
//	bitkeep.contributor.<pillar>      operation requests
//
// Identify requests are answered positively when the pillar can serve the
// operation and with a failure code otherwise (FILE_NOT_FOUND_FAILURE,
// DUPLICATE_FILE_FAILURE, REQUEST_NOT_SUPPORTED). Operation requests get
// an optional progress response followed by exactly one final response.
//
// # Audit Trail
//
// Every file modification, file retrieval, checksum calculation and failed
// modification is appended to the pillar's AuditLog. Sequence numbers start at 1 and
// have no gaps, which is what the audit trail collector pages over.
//
// # Testing
//
// Pause makes a pillar silent without unsubscribing it, so tests can
// simulate an unreachable node. Archive.Corrupt changes stored bytes the
// way bit rot would.
package pillar
