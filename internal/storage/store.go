package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrInvalidEvent is returned when an audit event cannot be stored
var ErrInvalidEvent = errors.New("invalid audit event")

// ErrStoreClosed is returned by operations on a closed store
var ErrStoreClosed = errors.New("audit trail store closed")

// AuditEvent is one entry of a contributor's audit trail.
// Sequence numbers are assigned by the contributor, start at 1 and
// increase by one per event.
type AuditEvent struct {
	SequenceNumber uint64    `json:"sequence_number"`
	FileID         string    `json:"file_id,omitempty"`
	Actor          string    `json:"actor"`
	Action         string    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
	AuditInfo      string    `json:"audit_info,omitempty"`
	Info           string    `json:"info,omitempty"`
	OperationID    string    `json:"operation_id,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
}

// StoredAuditEvent is an audit event together with where it was harvested.
type StoredAuditEvent struct {
	AuditEvent
	CollectionID string `json:"collection_id"`
	Contributor  string `json:"contributor"`
}

// AuditQuery filters stored audit events. Zero fields do not filter.
type AuditQuery struct {
	CollectionID string
	Contributor  string
	FileID       string
	Actor        string
	MinSequence  uint64
	MaxSequence  uint64
	From         time.Time
	To           time.Time
	Limit        int
}

func (q AuditQuery) matchesStream(collectionID, contributor string) bool {
	return (q.CollectionID == "" || q.CollectionID == collectionID) &&
		(q.Contributor == "" || q.Contributor == contributor)
}

func (q AuditQuery) matches(e AuditEvent) bool {
	if q.FileID != "" && e.FileID != q.FileID {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if e.SequenceNumber < q.MinSequence {
		return false
	}
	if q.MaxSequence > 0 && e.SequenceNumber > q.MaxSequence {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// AuditTrailStore persists harvested audit trails, one stream per
// contributor and collection.
// All implementations must be thread-safe for concurrent access
type AuditTrailStore interface {
	// LargestSequenceNumber returns the highest sequence number stored for
	// the contributor in the collection, or 0 when nothing is stored
	LargestSequenceNumber(contributor, collectionID string) (uint64, error)

	// AddAuditTrails stores events harvested from contributor
	// Events already stored under the same sequence number are skipped
	AddAuditTrails(events []AuditEvent, collectionID, contributor string) error

	// AuditTrails returns the stored events matching q ordered by
	// collection, contributor and sequence number
	AuditTrails(q AuditQuery) ([]StoredAuditEvent, error)

	// Stats returns storage statistics
	Stats() StoreStats

	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Events  int // Number of stored events
	Streams int // Number of contributor/collection streams
}

func validate(events []AuditEvent, collectionID, contributor string) error {
	if collectionID == "" || contributor == "" {
		return fmt.Errorf("%w: collection and contributor are required", ErrInvalidEvent)
	}
	for _, e := range events {
		if e.SequenceNumber == 0 {
			return fmt.Errorf("%w: sequence number 0 from %q", ErrInvalidEvent, contributor)
		}
	}
	return nil
}

func sortStored(events []StoredAuditEvent) {
	slices.SortFunc(events, func(a, b StoredAuditEvent) int {
		switch {
		case a.CollectionID != b.CollectionID:
			return strings.Compare(a.CollectionID, b.CollectionID)
		case a.Contributor != b.Contributor:
			return strings.Compare(a.Contributor, b.Contributor)
		case a.SequenceNumber < b.SequenceNumber:
			return -1
		case a.SequenceNumber > b.SequenceNumber:
			return 1
		}
		return 0
	})
}

type streamKey struct {
	collectionID string
	contributor  string
}

// MemoryStore implements AuditTrailStore with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex                        // Protects concurrent access
	streams map[streamKey]map[uint64]AuditEvent // Events per stream by sequence number
	largest map[streamKey]uint64                // Highest sequence number per stream
	closed  bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[streamKey]map[uint64]AuditEvent),
		largest: make(map[streamKey]uint64),
	}
}

// LargestSequenceNumber returns the cursor of one stream
func (m *MemoryStore) LargestSequenceNumber(contributor, collectionID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return m.largest[streamKey{collectionID, contributor}], nil
}

// AddAuditTrails stores copies of events
func (m *MemoryStore) AddAuditTrails(events []AuditEvent, collectionID, contributor string) error {
	if err := validate(events, collectionID, contributor); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	key := streamKey{collectionID, contributor}
	stream := m.streams[key]
	if stream == nil {
		stream = make(map[uint64]AuditEvent)
		m.streams[key] = stream
	}
	for _, e := range events {
		if _, exists := stream[e.SequenceNumber]; exists {
			continue
		}
		stream[e.SequenceNumber] = e
		if e.SequenceNumber > m.largest[key] {
			m.largest[key] = e.SequenceNumber
		}
	}
	return nil
}

// AuditTrails returns copies of the matching events
func (m *MemoryStore) AuditTrails(q AuditQuery) ([]StoredAuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []StoredAuditEvent
	for key, stream := range m.streams {
		if !q.matchesStream(key.collectionID, key.contributor) {
			continue
		}
		for _, e := range stream {
			if q.matches(e) {
				out = append(out, StoredAuditEvent{AuditEvent: e, CollectionID: key.collectionID, Contributor: key.contributor})
			}
		}
	}
	sortStored(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := 0
	for _, stream := range m.streams {
		events += len(stream)
	}
	return StoreStats{Events: events, Streams: len(m.streams)}
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
