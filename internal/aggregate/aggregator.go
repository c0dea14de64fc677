package aggregate

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrUnknownContributor is returned when results arrive from a contributor
// outside the expected set.
var ErrUnknownContributor = errors.New("contribution from unexpected contributor")

// Epoch is the initial latest contribution of every contributor.
var Epoch = time.Unix(0, 0).UTC()

// Item is one keyed value reported by a contributor.
type Item[K comparable, V any] struct {
	Key       K
	Value     V
	Timestamp time.Time
}

// Record collects the values contributors reported for one key.
// Conflict is true when at least two contributors disagree.
type Record[K comparable, V any] struct {
	Key      K
	Values   map[string]V
	Conflict bool
}

// Missing returns the expected contributors that have not reported a value,
// sorted.
func (r Record[K, V]) Missing(expected []string) []string {
	var missing []string
	for _, c := range expected {
		if _, ok := r.Values[c]; !ok {
			missing = append(missing, c)
		}
	}
	slices.Sort(missing)
	return missing
}

// Contributors returns the contributors that reported a value, sorted.
func (r Record[K, V]) Contributors() []string {
	out := make([]string, 0, len(r.Values))
	for c := range r.Values {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (r *Record[K, V]) clone() Record[K, V] {
	return Record[K, V]{Key: r.Key, Values: maps.Clone(r.Values), Conflict: r.Conflict}
}

// Options customizes value handling.
type Options[V any] struct {
	// Equal decides whether two contributors agree. Defaults to
	// reflect.DeepEqual.
	Equal func(a, b V) bool
	// Merge combines a contributor's earlier value with a new one for the
	// same key. Defaults to keeping the new value.
	Merge func(old, new V) V
}

// Aggregator merges streaming per-contributor results into records and
// hands out records once every expected contributor has reported.
// Safe for concurrent use.
type Aggregator[K comparable, V any] struct {
	mu               sync.Mutex
	expected         map[string]struct{}
	equal            func(a, b V) bool
	merge            func(old, new V) V
	incomplete       map[K]*Record[K, V]
	completed        map[K]*Record[K, V]
	completedOrder   []K
	drained          map[K]struct{}
	lastContribution map[string]time.Time
}

// New creates an aggregator expecting results from contributors.
func New[K comparable, V any](contributors []string, opts Options[V]) *Aggregator[K, V] {
	a := &Aggregator[K, V]{
		expected:         make(map[string]struct{}, len(contributors)),
		equal:            opts.Equal,
		merge:            opts.Merge,
		incomplete:       make(map[K]*Record[K, V]),
		completed:        make(map[K]*Record[K, V]),
		drained:          make(map[K]struct{}),
		lastContribution: make(map[string]time.Time, len(contributors)),
	}
	if a.equal == nil {
		a.equal = func(x, y V) bool { return reflect.DeepEqual(x, y) }
	}
	for _, c := range contributors {
		a.expected[c] = struct{}{}
		a.lastContribution[c] = Epoch
	}
	return a
}

// NewComparable creates an aggregator whose values are compared with ==.
func NewComparable[K comparable, V comparable](contributors []string) *Aggregator[K, V] {
	return New[K, V](contributors, Options[V]{Equal: func(x, y V) bool { return x == y }})
}

// Expected returns the expected contributors, sorted.
func (a *Aggregator[K, V]) Expected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.expected))
	for c := range a.expected {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// AddResults merges items reported by contributor. Items for keys handed out
// by the previous CompletedResults call are discarded as late arrivals.
func (a *Aggregator[K, V]) AddResults(contributor string, items []Item[K, V]) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.expected[contributor]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContributor, contributor)
	}

	for _, it := range items {
		if _, done := a.drained[it.Key]; done {
			continue
		}

		rec, isCompleted := a.completed[it.Key]
		if !isCompleted {
			rec = a.incomplete[it.Key]
			if rec == nil {
				rec = &Record[K, V]{Key: it.Key, Values: make(map[string]V, len(a.expected))}
				a.incomplete[it.Key] = rec
			}
		}

		if old, ok := rec.Values[contributor]; ok && a.merge != nil {
			rec.Values[contributor] = a.merge(old, it.Value)
		} else {
			rec.Values[contributor] = it.Value
		}
		rec.Conflict = a.conflicting(rec)

		if !isCompleted && len(rec.Values) == len(a.expected) {
			delete(a.incomplete, it.Key)
			a.completed[it.Key] = rec
			a.completedOrder = append(a.completedOrder, it.Key)
		}

		if it.Timestamp.After(a.lastContribution[contributor]) {
			a.lastContribution[contributor] = it.Timestamp
		}
	}
	return nil
}

// conflicting reports whether the record holds more than one distinct value.
func (a *Aggregator[K, V]) conflicting(rec *Record[K, V]) bool {
	var first V
	seen := false
	for _, v := range rec.Values {
		if !seen {
			first, seen = v, true
			continue
		}
		if !a.equal(first, v) {
			return true
		}
	}
	return false
}

// CompletedResults returns the records completed since the previous call, in
// completion order, and forgets them. The returned keys are remembered so
// that late contributions for them are ignored until the next call. Calling
// it twice in a row returns nothing the second time.
func (a *Aggregator[K, V]) CompletedResults() []Record[K, V] {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record[K, V], 0, len(a.completedOrder))
	drained := make(map[K]struct{}, len(a.completedOrder))
	for _, k := range a.completedOrder {
		out = append(out, a.completed[k].clone())
		drained[k] = struct{}{}
	}
	a.completed = make(map[K]*Record[K, V])
	a.completedOrder = nil
	a.drained = drained
	return out
}

// UncompletedResults returns copies of the records still waiting for
// contributors, in no particular order. The aggregator is not modified.
func (a *Aggregator[K, V]) UncompletedResults() []Record[K, V] {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record[K, V], 0, len(a.incomplete))
	for _, rec := range a.incomplete {
		out = append(out, rec.clone())
	}
	return out
}

// LatestContribution returns the latest item timestamp accepted from
// contributor. The second result is false for contributors outside the
// expected set.
func (a *Aggregator[K, V]) LatestContribution(contributor string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.lastContribution[contributor]
	return ts, ok
}

// Pending reports how many records are completed but not yet drained and how
// many are still incomplete.
func (a *Aggregator[K, V]) Pending() (completed, incomplete int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.completedOrder), len(a.incomplete)
}
