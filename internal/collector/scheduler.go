package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/logging"
)

// ContributorSource returns the contributors configured for a collection.
// *coordinator.CollectionRegistry implements it.
type ContributorSource interface {
	Contributors(collectionID string) []string
}

// AuditTrailCollector runs an IncrementalCollector per collection on a fixed
// interval. Thread-safe: all methods are safe for concurrent access.
type AuditTrailCollector struct {
	collectors   map[string]*IncrementalCollector
	contributors ContributorSource
	interval     time.Duration
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewAuditTrailCollector creates a scheduler for collectors. A non-positive
// interval disables the timer; rounds then only run on demand.
func NewAuditTrailCollector(collectors []*IncrementalCollector, contributors ContributorSource, interval time.Duration, logger *zap.Logger) (*AuditTrailCollector, error) {
	if contributors == nil {
		return nil, errors.New("contributor source is required")
	}
	byID := make(map[string]*IncrementalCollector, len(collectors))
	for _, c := range collectors {
		if _, dup := byID[c.CollectionID()]; dup {
			return nil, fmt.Errorf("duplicate collector for collection %q", c.CollectionID())
		}
		byID[c.CollectionID()] = c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AuditTrailCollector{
		collectors:   byID,
		contributors: contributors,
		interval:     interval,
		logger:       logging.OrNop(logger),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the ticker. Calling it more than once has no effect.
func (a *AuditTrailCollector) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed || a.interval <= 0 {
		return
	}
	a.started = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.logger.Info("audit trail collector started", zap.Duration("interval", a.interval))
		for {
			select {
			case <-ticker.C:
				a.trigger()
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// trigger starts a round per collection without waiting. Collections whose
// previous round is still running are skipped. Rounds are not tied to the
// ticker, so Close lets them finish.
func (a *AuditTrailCollector) trigger() {
	for _, c := range a.collectors {
		if c.Running() {
			c.metrics.AuditRoundsSkipped.Add(1)
			continue
		}
		a.wg.Add(1)
		go func(c *IncrementalCollector) {
			defer a.wg.Done()
			_ = a.round(context.Background(), c)
		}(c)
	}
}

func (a *AuditTrailCollector) round(ctx context.Context, c *IncrementalCollector) error {
	err := c.PerformCollection(ctx, a.contributors.Contributors(c.CollectionID()))
	switch {
	case err == nil, errors.Is(err, ErrRoundInProgress):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	a.logger.Error("audit trail round failed", zap.String("collection", c.CollectionID()), zap.Error(err))
	return fmt.Errorf("collection %q: %w", c.CollectionID(), err)
}

// CollectNewestAudits runs one round for every collection and waits for
// them. Collections with a round already in flight are left alone.
func (a *AuditTrailCollector) CollectNewestAudits(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("audit trail collector closed")
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range a.collectors {
		wg.Add(1)
		go func(c *IncrementalCollector) {
			defer wg.Done()
			if err := a.round(ctx, c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Collector returns the collector of a collection.
func (a *AuditTrailCollector) Collector(collectionID string) (*IncrementalCollector, bool) {
	c, ok := a.collectors[collectionID]
	return c, ok
}

// Collections returns the collected collection IDs, sorted.
func (a *AuditTrailCollector) Collections() []string {
	ids := make([]string, 0, len(a.collectors))
	for id := range a.collectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops the ticker and waits for rounds in flight to finish. Later
// calls to CollectNewestAudits fail.
func (a *AuditTrailCollector) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	a.logger.Info("audit trail collector stopped")
}
