package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func auditEvents(fileID string, seqs ...uint64) []AuditEvent {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]AuditEvent, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, AuditEvent{
			SequenceNumber: seq,
			FileID:         fileID,
			Actor:          "pillar-1",
			Action:         "PUT_FILE",
			Timestamp:      base.Add(time.Duration(seq) * time.Minute),
		})
	}
	return out
}

// storeFactories lets every test run against each implementation
func storeFactories(t *testing.T) map[string]func() AuditTrailStore {
	return map[string]func() AuditTrailStore{
		"memory": func() AuditTrailStore { return NewMemoryStore() },
		"bolt": func() AuditTrailStore {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "audit", "trails.db"))
			if err != nil {
				t.Fatalf("Failed to open bolt store: %v", err)
			}
			return s
		},
	}
}

// TestAuditTrailStore tests both audit trail store implementations
func TestAuditTrailStore(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("new store has no cursor", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				seq, err := store.LargestSequenceNumber("pillar-1", "books")
				if err != nil {
					t.Fatalf("Failed to read cursor: %v", err)
				}
				if seq != 0 {
					t.Errorf("Expected cursor 0, got %d", seq)
				}
			})

			t.Run("cursor follows largest sequence number", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				if err := store.AddAuditTrails(auditEvents("f1", 2, 1, 3), "books", "pillar-1"); err != nil {
					t.Fatalf("Failed to add audits: %v", err)
				}
				seq, _ := store.LargestSequenceNumber("pillar-1", "books")
				if seq != 3 {
					t.Errorf("Expected cursor 3, got %d", seq)
				}

				// Other streams are unaffected
				seq, _ = store.LargestSequenceNumber("pillar-2", "books")
				if seq != 0 {
					t.Errorf("Expected cursor 0 for pillar-2, got %d", seq)
				}
				seq, _ = store.LargestSequenceNumber("pillar-1", "films")
				if seq != 0 {
					t.Errorf("Expected cursor 0 for films, got %d", seq)
				}
			})

			t.Run("duplicate sequence numbers stored once", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				first := auditEvents("f1", 1, 2)
				if err := store.AddAuditTrails(first, "books", "pillar-1"); err != nil {
					t.Fatalf("Failed to add audits: %v", err)
				}
				again := auditEvents("changed", 2, 3)
				if err := store.AddAuditTrails(again, "books", "pillar-1"); err != nil {
					t.Fatalf("Failed to add audits: %v", err)
				}

				events, err := store.AuditTrails(AuditQuery{CollectionID: "books"})
				if err != nil {
					t.Fatalf("Failed to query: %v", err)
				}
				if len(events) != 3 {
					t.Fatalf("Expected 3 events, got %d", len(events))
				}
				if events[1].FileID != "f1" {
					t.Errorf("Expected first stored version of event 2 to win, got %s", events[1].FileID)
				}
			})

			t.Run("empty batch is accepted", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				if err := store.AddAuditTrails(nil, "books", "pillar-1"); err != nil {
					t.Errorf("Expected empty batch to succeed, got %v", err)
				}
			})

			t.Run("invalid events rejected", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				tests := []struct {
					name         string
					events       []AuditEvent
					collectionID string
					contributor  string
				}{
					{"zero sequence", auditEvents("f1", 0), "books", "pillar-1"},
					{"missing collection", auditEvents("f1", 1), "", "pillar-1"},
					{"missing contributor", auditEvents("f1", 1), "books", ""},
				}
				for _, tt := range tests {
					err := store.AddAuditTrails(tt.events, tt.collectionID, tt.contributor)
					if !errors.Is(err, ErrInvalidEvent) {
						t.Errorf("%s: expected ErrInvalidEvent, got %v", tt.name, err)
					}
				}
			})

			t.Run("query filters and ordering", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				_ = store.AddAuditTrails(auditEvents("f1", 1, 2, 3), "books", "pillar-2")
				_ = store.AddAuditTrails(auditEvents("f2", 1, 2), "books", "pillar-1")
				_ = store.AddAuditTrails(auditEvents("f3", 1), "films", "pillar-1")

				tests := []struct {
					name  string
					query AuditQuery
					want  []string
				}{
					{"all", AuditQuery{}, []string{"books/pillar-1/1", "books/pillar-1/2", "books/pillar-2/1", "books/pillar-2/2", "books/pillar-2/3", "films/pillar-1/1"}},
					{"collection", AuditQuery{CollectionID: "films"}, []string{"films/pillar-1/1"}},
					{"contributor", AuditQuery{Contributor: "pillar-2"}, []string{"books/pillar-2/1", "books/pillar-2/2", "books/pillar-2/3"}},
					{"sequence range", AuditQuery{Contributor: "pillar-2", MinSequence: 2, MaxSequence: 2}, []string{"books/pillar-2/2"}},
					{"file", AuditQuery{FileID: "f2"}, []string{"books/pillar-1/1", "books/pillar-1/2"}},
					{"limit", AuditQuery{Limit: 2}, []string{"books/pillar-1/1", "books/pillar-1/2"}},
					{"time window", AuditQuery{
						CollectionID: "books", Contributor: "pillar-2",
						From: time.Date(2024, 3, 1, 12, 2, 0, 0, time.UTC),
					}, []string{"books/pillar-2/2", "books/pillar-2/3"}},
				}
				for _, tt := range tests {
					events, err := store.AuditTrails(tt.query)
					if err != nil {
						t.Fatalf("%s: query failed: %v", tt.name, err)
					}
					got := make([]string, 0, len(events))
					for _, e := range events {
						got = append(got, fmt.Sprintf("%s/%s/%d", e.CollectionID, e.Contributor, e.SequenceNumber))
					}
					if fmt.Sprint(got) != fmt.Sprint(tt.want) {
						t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
					}
				}
			})

			t.Run("stats", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				_ = store.AddAuditTrails(auditEvents("f1", 1, 2), "books", "pillar-1")
				_ = store.AddAuditTrails(auditEvents("f1", 1), "books", "pillar-2")

				stats := store.Stats()
				if stats.Events != 3 || stats.Streams != 2 {
					t.Errorf("Expected 3 events in 2 streams, got %+v", stats)
				}
			})

			t.Run("concurrent writers", func(t *testing.T) {
				store := newStore()
				defer store.Close()

				var wg sync.WaitGroup
				for i := 0; i < 5; i++ {
					wg.Add(1)
					go func(contributor string) {
						defer wg.Done()
						for seq := uint64(1); seq <= 20; seq++ {
							if err := store.AddAuditTrails(auditEvents("f", seq), "books", contributor); err != nil {
								t.Errorf("Concurrent add failed: %v", err)
							}
						}
					}(fmt.Sprintf("pillar-%d", i))
				}
				wg.Wait()

				for i := 0; i < 5; i++ {
					seq, _ := store.LargestSequenceNumber(fmt.Sprintf("pillar-%d", i), "books")
					if seq != 20 {
						t.Errorf("Expected cursor 20 for pillar-%d, got %d", i, seq)
					}
				}
			})
		})
	}
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trails.db")

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := store.AddAuditTrails(auditEvents("f1", 1, 2, 3), "books", "pillar-1"); err != nil {
		t.Fatalf("Failed to add audits: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	seq, err := reopened.LargestSequenceNumber("pillar-1", "books")
	if err != nil {
		t.Fatalf("Failed to read cursor: %v", err)
	}
	if seq != 3 {
		t.Errorf("Expected cursor 3 after reopen, got %d", seq)
	}
	events, _ := reopened.AuditTrails(AuditQuery{})
	if len(events) != 3 || events[0].Action != "PUT_FILE" {
		t.Errorf("Expected 3 persisted events, got %+v", events)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if _, err := store.LargestSequenceNumber("p", "c"); err != ErrStoreClosed {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
	if err := store.AddAuditTrails(auditEvents("f", 1), "c", "p"); err != ErrStoreClosed {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.AuditTrails(AuditQuery{}); err != ErrStoreClosed {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
}

func TestBoltStoreOpenFailure(t *testing.T) {
	// A directory cannot be opened as the database file.
	store, err := NewBoltStore(t.TempDir())
	if err == nil {
		store.Close()
		t.Fatal("Expected error opening a directory")
	}
	if store != nil {
		t.Errorf("Expected nil store on error, got %v", store)
	}

	var nilStore *BoltStore
	if err := nilStore.Close(); err != nil {
		t.Errorf("Expected nil store to close cleanly, got %v", err)
	}
}
