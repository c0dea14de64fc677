// Package ops defines the operations clients run against the contributors
// of a collection: their wire payloads, the conversation descriptors that
// build requests and merge responses, and blocking wrappers that start a
// conversation and wait for its result.
//
// Get operations aggregate per-file values across contributors with an
// aggregate.Aggregator. Contributors that disagree about a file are
// reported as a conflicting record; deciding which one is right is left to
// the caller.
//
//	res, err := ops.GetChecksums(ctx, client, "books", pillars, ops.FileQuery{})
//	for _, rec := range res.Conflicts() {
//		// rec.Values maps contributor to checksum
//	}
//
// GetAuditTrails is not aggregated. Each contributor gets its own query and
// the returned pages are handed back per contributor so the caller can
// persist them and move its cursor.
//
// GetFile asks every contributor whether it holds the file but transfers it
// from the first one that answers positively. GetStatus collects one status
// per contributor.
package ops
