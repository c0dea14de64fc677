// Package coordinator provides the control plane of a bitkeep deployment.
// This file implements the registry of collections and their contributors.
package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Collection is a named group of contributors that conceptually hold the
// same files.
//
// Thread Safety:
// Collection values are immutable once registered. The registry returns
// copies to prevent external modification.
//
// Example:
//
//	col := &Collection{
//	    ID:           "books",
//	    Contributors: []string{"pillar-1", "pillar-2"},
//	}
type Collection struct {
	// ID identifies the collection on the wire and in the audit store.
	ID string `json:"id"`

	// Contributors are the pillars expected to answer operations on the
	// collection. Sorted and free of duplicates.
	Contributors []string `json:"contributors"`
}

func (c *Collection) clone() *Collection {
	return &Collection{ID: c.ID, Contributors: slices.Clone(c.Contributors)}
}

// CollectionRegistry is the authoritative source for which contributors
// serve which collection. Operations and audit trail rounds read their
// expected contributor set from it.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type CollectionRegistry struct {
	collections map[string]*Collection // collectionID -> collection
	mu          sync.RWMutex           // Protects concurrent access
}

// NewCollectionRegistry creates an empty registry.
//
// Returns:
//   - *CollectionRegistry: Empty registry ready for Register
//
// Example:
//
//	registry := NewCollectionRegistry()
//	registry.Register("books", []string{"pillar-1", "pillar-2"})
func NewCollectionRegistry() *CollectionRegistry {
	return &CollectionRegistry{
		collections: make(map[string]*Collection),
	}
}

// Register creates or replaces a collection.
//
// Parameters:
//   - collectionID: The collection to register (must be non-empty)
//   - contributors: Contributor IDs (at least one, none empty). Duplicates
//     are collapsed.
//
// Returns:
//   - nil on success
//   - Error if the collection ID or any contributor ID is empty
//
// Thread Safety:
// This method is thread-safe and can be called concurrently.
func (r *CollectionRegistry) Register(collectionID string, contributors []string) error {
	if collectionID == "" {
		return errors.New("collection ID cannot be empty")
	}
	if len(contributors) == 0 {
		return fmt.Errorf("collection %q needs at least one contributor", collectionID)
	}
	for _, c := range contributors {
		if c == "" {
			return fmt.Errorf("collection %q has an empty contributor ID", collectionID)
		}
	}

	ids := slices.Clone(contributors)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[collectionID] = &Collection{ID: collectionID, Contributors: ids}
	return nil
}

// Remove forgets a collection. Removing an unknown collection is not an
// error.
func (r *CollectionRegistry) Remove(collectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, collectionID)
}

// Get returns a copy of a collection, or nil if it is not registered.
//
// Example:
//
//	if col := registry.Get("books"); col != nil {
//	    fmt.Printf("%s has %d contributors\n", col.ID, len(col.Contributors))
//	}
func (r *CollectionRegistry) Get(collectionID string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	col := r.collections[collectionID]
	if col == nil {
		return nil
	}
	return col.clone()
}

// GetAll returns copies of every collection, sorted by ID.
func (r *CollectionRegistry) GetAll() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Collection, 0, len(r.collections))
	for _, col := range r.collections {
		out = append(out, col.clone())
	}
	slices.SortFunc(out, func(a, b *Collection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Contributors returns the contributors of a collection, or nil if it is not
// registered.
func (r *CollectionRegistry) Contributors(collectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	col := r.collections[collectionID]
	if col == nil {
		return nil
	}
	return slices.Clone(col.Contributors)
}

// AllContributors returns every contributor of every collection, sorted
// and without duplicates.
func (r *CollectionRegistry) AllContributors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, col := range r.collections {
		out = append(out, col.Contributors...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CollectionsOf returns the IDs of the collections a contributor serves,
// sorted.
func (r *CollectionRegistry) CollectionsOf(contributor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, col := range r.collections {
		if _, found := slices.BinarySearch(col.Contributors, contributor); found {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
