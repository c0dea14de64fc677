package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/conversation"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/metrics"
	"github.com/dreamware/bitkeep/internal/ops"
	"github.com/dreamware/bitkeep/internal/storage"
)

// ErrRoundInProgress is returned when a round is requested while the
// previous round of the same collection is still running.
var ErrRoundInProgress = errors.New("audit trail collection already running")

// Cursor is how far the audit trail of one contributor has been harvested.
type Cursor struct {
	LastSequenceNumber uint64 `json:"last_sequence_number"`
	HasMoreResults     bool   `json:"has_more_results"`
}

// HealthTracker excludes contributors that keep failing.
// *coordinator.ContributorHealth implements it.
type HealthTracker interface {
	Available(contributor string) bool
	RecordSuccess(contributor string)
	RecordFailure(contributor string, err error)
}

// Options configures an IncrementalCollector. Store and Starter are
// required.
type Options struct {
	CollectionID string
	// PageSize is the max results asked for per contributor and page.
	PageSize int
	Store    storage.AuditTrailStore
	Starter  ops.Starter
	Alarms   alarm.Sink
	Health   HealthTracker
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// IncrementalCollector harvests the audit trails of one collection. Each
// round starts from the largest sequence number stored per contributor and
// pages until no contributor reports more results.
type IncrementalCollector struct {
	collectionID string
	pageSize     int
	store        storage.AuditTrailStore
	starter      ops.Starter
	alarms       alarm.Sink
	health       HealthTracker
	logger       *zap.Logger
	metrics      *metrics.Metrics

	running   atomic.Bool
	collected atomic.Int64

	mu      sync.RWMutex
	cursors map[string]Cursor
}

// NewIncrementalCollector validates opts and creates a collector.
func NewIncrementalCollector(opts Options) (*IncrementalCollector, error) {
	if opts.CollectionID == "" {
		return nil, errors.New("collection id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("audit trail store is required")
	}
	if opts.Starter == nil {
		return nil, errors.New("conversation starter is required")
	}
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", opts.PageSize)
	}
	c := &IncrementalCollector{
		collectionID: opts.CollectionID,
		pageSize:     opts.PageSize,
		store:        opts.Store,
		starter:      opts.Starter,
		alarms:       opts.Alarms,
		health:       opts.Health,
		logger:       logging.OrNop(opts.Logger).With(zap.String("collection", opts.CollectionID)),
		metrics:      metrics.OrDiscard(opts.Metrics),
		cursors:      make(map[string]Cursor),
	}
	if c.alarms == nil {
		c.alarms = alarm.SinkFunc(func(alarm.Alarm) {})
	}
	return c, nil
}

// CollectionID returns the harvested collection.
func (c *IncrementalCollector) CollectionID() string { return c.collectionID }

// Running reports whether a round is in progress.
func (c *IncrementalCollector) Running() bool { return c.running.Load() }

// NumberOfCollectedAudits returns how many audit events this collector has
// persisted.
func (c *IncrementalCollector) NumberOfCollectedAudits() int64 { return c.collected.Load() }

// Cursors returns the cursor of every contributor seen so far.
func (c *IncrementalCollector) Cursors() map[string]Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.cursors)
}

// PerformCollection runs one round against contributors. Contributors
// that fail are skipped for the rest of the round and reported to the alarm
// sink; the round itself only fails when ctx ends or the store cannot be
// read. It returns ErrRoundInProgress without doing anything while another
// round of the collection is running.
func (c *IncrementalCollector) PerformCollection(ctx context.Context, contributors []string) error {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.AuditRoundsSkipped.Add(1)
		c.logger.Debug("skipping audit trail round, previous round still running")
		return ErrRoundInProgress
	}
	defer c.running.Store(false)
	c.metrics.AuditRounds.Add(1)

	active := c.available(contributors)
	before := c.collected.Load()
	pages := 0
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := c.collectPage(ctx, active)
		if err != nil {
			return err
		}
		pages++
		active = next
	}
	c.logger.Info("audit trail round finished",
		zap.Int("pages", pages), zap.Int64("collected", c.collected.Load()-before))
	return nil
}

func (c *IncrementalCollector) available(contributors []string) []string {
	out := make([]string, 0, len(contributors))
	for _, id := range contributors {
		if c.health != nil && !c.health.Available(id) {
			c.logger.Debug("skipping excluded contributor", zap.String("contributor", id))
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// collectPage runs one conversation and returns the contributors that have
// more results.
func (c *IncrementalCollector) collectPage(ctx context.Context, contributors []string) ([]string, error) {
	queries := make(map[string]ops.AuditTrailQuery, len(contributors))
	starts := make(map[string]uint64, len(contributors))
	for _, id := range contributors {
		seq, err := c.store.LargestSequenceNumber(id, c.collectionID)
		if err != nil {
			return nil, fmt.Errorf("read cursor of %q: %w", id, err)
		}
		starts[id] = seq
		queries[id] = ops.AuditTrailQuery{MinSequence: seq + 1, MaxResults: c.pageSize}
	}
	c.mu.Lock()
	for id, seq := range starts {
		if cur := c.cursors[id]; seq > cur.LastSequenceNumber {
			cur.LastSequenceNumber = seq
			c.cursors[id] = cur
		}
	}
	c.mu.Unlock()

	desc := ops.NewGetAuditTrails(queries)
	p := &page{collector: c, desc: desc, starts: starts}
	_, err := ops.Run(ctx, c.starter, c.collectionID, contributors, desc, p.handle)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, conversation.ErrNoContributorFound):
		c.logger.Warn("no contributor answered the audit trail request", zap.Strings("contributors", contributors))
	default:
		// Every contributor failed and has been reported individually.
		c.logger.Warn("audit trail page failed", zap.Error(err))
	}
	return p.more(), nil
}

// page handles the events of one audit trail conversation. Events are
// handed over by a single goroutine, in order.
type page struct {
	collector *IncrementalCollector
	desc      *ops.GetAuditTrailsOp
	starts    map[string]uint64

	mu      sync.Mutex
	partial []string
}

func (p *page) handle(ev conversation.Event) {
	c := p.collector
	switch ev.Type {
	case conversation.EventComponentComplete:
		if ev.Response != nil && ev.Response.CollectionID != c.collectionID {
			c.logger.Warn("dropping audit trails for foreign collection",
				zap.String("contributor", ev.Contributor), zap.String("response_collection", ev.Response.CollectionID))
			return
		}
		pg, ok := p.desc.Page(ev.Contributor)
		if !ok {
			return
		}
		if err := c.persist(ev.Contributor, pg); err != nil {
			c.logger.Error("failed to store audit trails", zap.String("contributor", ev.Contributor), zap.Error(err))
			c.contributorFailed(ev.Contributor, err)
			return
		}
		if c.health != nil {
			c.health.RecordSuccess(ev.Contributor)
		}
		if !pg.Partial {
			return
		}
		if pg.Highest() <= p.starts[ev.Contributor] {
			c.logger.Warn("contributor reports more audit trails without returning any",
				zap.String("contributor", ev.Contributor))
			return
		}
		p.mu.Lock()
		p.partial = append(p.partial, ev.Contributor)
		p.mu.Unlock()
	case conversation.EventComponentFailed:
		c.contributorFailed(ev.Contributor, ev.Err)
	}
}

func (p *page) more() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	slices.Sort(p.partial)
	return slices.Clone(p.partial)
}

// persist stores a page once and advances the cursor of contributor. Empty
// pages leave the store untouched.
func (c *IncrementalCollector) persist(contributor string, pg ops.AuditTrailPage) error {
	if len(pg.Events) > 0 {
		if err := c.store.AddAuditTrails(pg.Events, c.collectionID, contributor); err != nil {
			return err
		}
		c.collected.Add(int64(len(pg.Events)))
		c.metrics.AuditsCollected.Add(int64(len(pg.Events)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cursors[contributor]
	if h := pg.Highest(); h > cur.LastSequenceNumber {
		cur.LastSequenceNumber = h
	}
	cur.HasMoreResults = pg.Partial
	c.cursors[contributor] = cur
	return nil
}

func (c *IncrementalCollector) contributorFailed(contributor string, err error) {
	text := "audit trail collection failed"
	if err != nil {
		text = err.Error()
	}
	c.logger.Warn("contributor skipped for this round", zap.String("contributor", contributor), zap.Error(err))
	if c.health != nil {
		c.health.RecordFailure(contributor, err)
	}
	// The conversation already alarmed the request timeout.
	if errors.Is(err, conversation.ErrRequestTimeout) {
		return
	}
	c.alarms.Raise(alarm.Alarm{
		Code:         alarm.CodeComponentFailure,
		Text:         text,
		CollectionID: c.collectionID,
		Contributor:  contributor,
	})
}
