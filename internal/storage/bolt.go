package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Layout: audits / <collection> / <contributor> / <big endian sequence> → JSON event.
var bucketAudits = []byte("audits")

// BoltStore implements AuditTrailStore backed by BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a BoltDB database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAudits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// stream returns the bucket of one contributor's stream, or nil.
func stream(tx *bolt.Tx, collectionID, contributor string) *bolt.Bucket {
	col := tx.Bucket(bucketAudits).Bucket([]byte(collectionID))
	if col == nil {
		return nil
	}
	return col.Bucket([]byte(contributor))
}

// LargestSequenceNumber reads the last key of the stream.
func (s *BoltStore) LargestSequenceNumber(contributor, collectionID string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := stream(tx, collectionID, contributor)
		if b == nil {
			return nil
		}
		if k, _ := b.Cursor().Last(); k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AddAuditTrails persists events in one transaction.
func (s *BoltStore) AddAuditTrails(events []AuditEvent, collectionID, contributor string) error {
	if err := validate(events, collectionID, contributor); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		col, err := tx.Bucket(bucketAudits).CreateBucketIfNotExists([]byte(collectionID))
		if err != nil {
			return err
		}
		b, err := col.CreateBucketIfNotExists([]byte(contributor))
		if err != nil {
			return err
		}
		for _, e := range events {
			key := sequenceKey(e.SequenceNumber)
			if b.Get(key) != nil {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// AuditTrails scans the matching streams.
func (s *BoltStore) AuditTrails(q AuditQuery) ([]StoredAuditEvent, error) {
	var out []StoredAuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudits).ForEachBucket(func(colName []byte) error {
			col := tx.Bucket(bucketAudits).Bucket(colName)
			return col.ForEachBucket(func(contribName []byte) error {
				collectionID, contributor := string(colName), string(contribName)
				if !q.matchesStream(collectionID, contributor) {
					return nil
				}
				c := col.Bucket(contribName).Cursor()
				for k, v := c.Seek(sequenceKey(q.MinSequence)); k != nil; k, v = c.Next() {
					var e AuditEvent
					if err := json.Unmarshal(v, &e); err != nil {
						return fmt.Errorf("decode audit %s/%s/%d: %w", collectionID, contributor, binary.BigEndian.Uint64(k), err)
					}
					if q.MaxSequence > 0 && e.SequenceNumber > q.MaxSequence {
						break
					}
					if q.matches(e) {
						out = append(out, StoredAuditEvent{AuditEvent: e, CollectionID: collectionID, Contributor: contributor})
					}
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sortStored(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Stats counts the stored events and streams.
func (s *BoltStore) Stats() StoreStats {
	var stats StoreStats
	_ = s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketAudits)
		return root.ForEachBucket(func(colName []byte) error {
			col := root.Bucket(colName)
			return col.ForEachBucket(func(contribName []byte) error {
				stats.Streams++
				stats.Events += col.Bucket(contribName).Stats().KeyN
				return nil
			})
		})
	})
	return stats
}

// Close closes the database. It is a no-op on a nil store.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
