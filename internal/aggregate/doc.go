// Package aggregate merges keyed results reported by several contributors
// into records, detecting when contributors disagree.
//
// An Aggregator is created with the set of contributors expected to answer.
// Results stream in through AddResults in any order and in any number of
// batches. A record is complete once every expected contributor has
// reported a value for its key; complete records are handed out exactly once
// by CompletedResults, which also remembers the keys it returned so that
// duplicate or late contributions for them do not resurrect the record.
//
// Disagreement is data, not an error: a record whose contributors reported
// different values has Conflict set, and it completes like any other record.
//
//	agg := aggregate.NewComparable[string, string]([]string{"pillar-1", "pillar-2"})
//	agg.AddResults("pillar-1", []aggregate.Item[string, string]{{Key: "f1", Value: "abc"}})
//	agg.AddResults("pillar-2", []aggregate.Item[string, string]{{Key: "f1", Value: "abd"}})
//	for _, rec := range agg.CompletedResults() {
//	    fmt.Println(rec.Key, rec.Conflict) // f1 true
//	}
package aggregate
