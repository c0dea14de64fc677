package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/logging"
)

// ErrNotCached is returned for files without a cached checksum record.
var ErrNotCached = errors.New("no cached checksums")

// FileChecksums is the last checksum check of one file: the checksum each
// contributor reported and whether they disagree.
type FileChecksums struct {
	CollectionID string            `json:"collection_id"`
	FileID       string            `json:"file_id"`
	ChecksumType string            `json:"checksum_type"`
	Checksums    map[string]string `json:"checksums"`
	Missing      []string          `json:"missing,omitempty"`
	Conflict     bool              `json:"conflict"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// Cache keeps the latest checksum records in a badger database, keyed by
// collection and file.
type Cache struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenCache opens or creates the cache in dir.
func OpenCache(dir string, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checksum cache dir: %w", err)
	}
	logger = logging.OrNop(logger)
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checksum cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

func cacheKey(collectionID, fileID string) []byte {
	return []byte("checksums/" + collectionID + "/" + fileID)
}

func collectionPrefix(collectionID string) []byte {
	return []byte("checksums/" + collectionID + "/")
}

// Put stores records, replacing earlier records of the same files.
func (c *Cache) Put(records ...FileChecksums) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode checksums of %q: %w", rec.FileID, err)
			}
			if err := txn.Set(cacheKey(rec.CollectionID, rec.FileID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the cached record of a file.
func (c *Cache) Get(collectionID, fileID string) (*FileChecksums, error) {
	var rec FileChecksums
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(collectionID, fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotCached
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the cached records of a collection ordered by file ID.
// conflictsOnly limits the result to files whose contributors disagree.
func (c *Cache) List(collectionID string, conflictsOnly bool) ([]FileChecksums, error) {
	var out []FileChecksums
	prefix := collectionPrefix(collectionID)
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec FileChecksums
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if conflictsOnly && !rec.Conflict {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// badgerLogger routes badger's logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
