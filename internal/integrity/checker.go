package integrity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/aggregate"
	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/metrics"
	"github.com/dreamware/bitkeep/internal/ops"
)

// ContributorSource returns the contributors configured for a collection.
type ContributorSource interface {
	Contributors(collectionID string) []string
}

// Report is the outcome of one integrity check of a collection.
type Report struct {
	CollectionID string          `json:"collection_id"`
	ChecksumType string          `json:"checksum_type"`
	Checked      int             `json:"checked"`
	Conflicts    []FileChecksums `json:"conflicts"`
	Missing      []FileChecksums `json:"missing"`
	// Unsuccessful lists contributors that did not deliver checksums.
	Unsuccessful []string  `json:"unsuccessful"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// Checker compares the checksums contributors report for the files of a
// collection. Disagreeing contributors raise a checksum alarm; files that
// only some responding contributors hold raise an integrity alarm. Results
// are cached so they can be served without asking the contributors again.
type Checker struct {
	starter      ops.Starter
	cache        *Cache
	alarms       alarm.Sink
	checksumType string
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	running map[string]bool
	last    map[string]*Report
}

// NewChecker creates a checker. cache may be nil.
func NewChecker(starter ops.Starter, cache *Cache, alarms alarm.Sink, checksumType string, logger *zap.Logger, m *metrics.Metrics) *Checker {
	if alarms == nil {
		alarms = alarm.SinkFunc(func(alarm.Alarm) {})
	}
	return &Checker{
		starter:      starter,
		cache:        cache,
		alarms:       alarms,
		checksumType: checksumType,
		logger:       logging.OrNop(logger),
		metrics:      metrics.OrDiscard(m),
		running:      make(map[string]bool),
		last:         make(map[string]*Report),
	}
}

// ErrCheckInProgress is returned when a collection is already being checked.
var ErrCheckInProgress = errors.New("integrity check already running")

// Check asks contributors for the checksums of every file of the
// collection and compares them.
func (c *Checker) Check(ctx context.Context, collectionID string, contributors []string) (*Report, error) {
	c.mu.Lock()
	if c.running[collectionID] {
		c.mu.Unlock()
		return nil, ErrCheckInProgress
	}
	c.running[collectionID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, collectionID)
		c.mu.Unlock()
	}()

	report := &Report{CollectionID: collectionID, ChecksumType: c.checksumType, Started: time.Now()}
	logger := c.logger.With(zap.String("collection", collectionID))

	res, err := ops.GetChecksums(ctx, c.starter, collectionID, contributors, ops.FileQuery{ChecksumType: c.checksumType})
	if res == nil {
		return nil, fmt.Errorf("integrity check of %q: %w", collectionID, err)
	}
	if err != nil {
		logger.Warn("integrity check failed", zap.Error(err))
	}
	responded := res.Summary.Responded()
	report.Unsuccessful = res.Summary.Unsuccessful()

	var records []FileChecksums
	for _, rec := range res.Completed {
		records = append(records, c.fileChecksums(collectionID, rec, nil, report.Started))
	}
	for _, rec := range res.Uncompleted {
		// Only responding contributors can be missing a file.
		missing := rec.Missing(responded)
		records = append(records, c.fileChecksums(collectionID, rec, missing, report.Started))
	}
	slices.SortFunc(records, func(a, b FileChecksums) int { return strings.Compare(a.FileID, b.FileID) })

	for _, rec := range records {
		report.Checked++
		if rec.Conflict {
			report.Conflicts = append(report.Conflicts, rec)
			c.metrics.ChecksumConflicts.Add(1)
			c.alarms.Raise(alarm.Alarm{
				Code:         alarm.CodeChecksumConflict,
				Text:         describeConflict(rec),
				CollectionID: collectionID,
				FileID:       rec.FileID,
			})
		}
		if len(rec.Missing) > 0 {
			report.Missing = append(report.Missing, rec)
			c.alarms.Raise(alarm.Alarm{
				Code:         alarm.CodeIntegrityIssue,
				Text:         fmt.Sprintf("file missing on %s", strings.Join(rec.Missing, ", ")),
				CollectionID: collectionID,
				FileID:       rec.FileID,
			})
		}
	}

	if c.cache != nil && len(records) > 0 {
		if err := c.cache.Put(records...); err != nil {
			logger.Error("failed to cache checksums", zap.Error(err))
		}
	}

	report.Finished = time.Now()
	c.mu.Lock()
	c.last[collectionID] = report
	c.mu.Unlock()

	logger.Info("integrity check finished",
		zap.Int("checked", report.Checked),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("missing", len(report.Missing)),
		zap.Strings("unsuccessful", report.Unsuccessful))
	return report, err
}

// LastReport returns the report of the latest check of a collection.
func (c *Checker) LastReport(collectionID string) (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.last[collectionID]
	return r, ok
}

// Cache returns the checksum cache, or nil.
func (c *Checker) Cache() *Cache { return c.cache }

// Run checks every collection on each tick until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration, collections []string, source ContributorSource) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range collections {
				_, err := c.Check(ctx, id, source.Contributors(id))
				if err != nil && !errors.Is(err, ErrCheckInProgress) && ctx.Err() == nil {
					c.logger.Warn("scheduled integrity check failed", zap.String("collection", id), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checker) fileChecksums(collectionID string, rec aggregate.Record[string, string], missing []string, at time.Time) FileChecksums {
	return FileChecksums{
		CollectionID: collectionID,
		FileID:       rec.Key,
		ChecksumType: c.checksumType,
		Checksums:    rec.Values,
		Missing:      missing,
		Conflict:     rec.Conflict,
		CheckedAt:    at,
	}
}

// describeConflict groups contributors by the checksum they reported.
func describeConflict(rec FileChecksums) string {
	groups := make(map[string][]string)
	for contributor, sum := range rec.Checksums {
		key := strings.ToLower(sum)
		groups[key] = append(groups[key], contributor)
	}
	parts := make([]string, 0, len(groups))
	for sum, contributors := range groups {
		slices.Sort(contributors)
		parts = append(parts, fmt.Sprintf("%s on %s", sum, strings.Join(contributors, ", ")))
	}
	slices.Sort(parts)
	return "checksums differ: " + strings.Join(parts, "; ")
}
