// Package coordinator provides the control plane of a bitkeep deployment.
// This file implements failure tracking and exclusion of contributors.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/logging"
)

// Health states of a contributor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ContributorStatus tracks the health of a single contributor.
// Thread-safe: Protected by ContributorHealth's mutex when accessed.
type ContributorStatus struct {
	LastCheck        time.Time `json:"last_check"`        // Timestamp of the last recorded outcome
	LastHealthy      time.Time `json:"last_healthy"`      // Timestamp of the last success
	ContributorID    string    `json:"contributor_id"`    // Unique identifier of the contributor
	Status           string    `json:"status"`            // "healthy", "unhealthy" or "unknown"
	LastError        string    `json:"last_error"`        // Error of the last failure
	ConsecutiveFails int       `json:"consecutive_fails"` // Number of consecutive failures
}

// RecoveryCheck reports whether an excluded contributor answers again.
type RecoveryCheck func(ctx context.Context, contributor string) error

// ContributorHealth counts consecutive failures per contributor and
// excludes a contributor once maxFailures is reached. Excluded contributors
// are rechecked periodically and readmitted on the first successful check.
// Thread-safe: All methods are safe for concurrent access.
type ContributorHealth struct {
	contributors map[string]*ContributorStatus // Current status per contributor
	recheck      RecoveryCheck                 // Recovery check for excluded contributors
	onUnhealthy  func(contributor string)      // Callback when a contributor is excluded
	logger       *zap.Logger
	ctx          context.Context    // Context for cancellation
	cancel       context.CancelFunc // Cancel function for shutdown
	interval     time.Duration      // How often to recheck excluded contributors
	timeout      time.Duration      // Timeout of a single recovery check
	mu           sync.RWMutex       // Protects contributors map
	wg           sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures  int                // Failures before excluding
}

// NewContributorHealth creates a health tracker that excludes contributors
// after maxFailures consecutive failures and rechecks excluded ones every
// interval once started.
//
// Parameters:
//   - interval: How often excluded contributors are rechecked (0 disables)
//   - maxFailures: Consecutive failures before exclusion (3 when not positive)
//   - logger: Destination of health transitions (nil discards)
//
// Returns:
//   - *ContributorHealth: Tracker ready to record outcomes and to start
//
// Example:
//
//	health := NewContributorHealth(30*time.Second, 3, logger)
//	health.SetRecoveryCheck(ping)
//	go health.Start(ctx)
func NewContributorHealth(interval time.Duration, maxFailures int, logger *zap.Logger) *ContributorHealth {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &ContributorHealth{
		interval:     interval,
		timeout:      10 * time.Second,
		maxFailures:  maxFailures,
		contributors: make(map[string]*ContributorStatus),
		logger:       logging.OrNop(logger),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a contributor is excluded.
// The callback runs on its own goroutine.
//
// Parameters:
//   - callback: Function to call with the contributor ID when it is excluded
func (h *ContributorHealth) SetOnUnhealthy(callback func(contributor string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetRecoveryCheck sets the check run against excluded contributors.
// Without one excluded contributors only recover through RecordSuccess.
func (h *ContributorHealth) SetRecoveryCheck(check RecoveryCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recheck = check
}

// Start rechecks excluded contributors every interval until ctx is done or
// Stop is called. It blocks; run it on its own goroutine.
//
// Parameters:
//   - ctx: Context for cancellation (nil uses the tracker's own context)
func (h *ContributorHealth) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.interval <= 0 {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("contributor health monitor started", zap.Duration("interval", h.interval))
	for {
		select {
		case <-ticker.C:
			h.recheckExcluded(ctx)
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the recheck loop and waits for it to return.
func (h *ContributorHealth) Stop() {
	h.cancel()
	h.wg.Wait()
}

// recheckExcluded runs the recovery check against every unhealthy
// contributor.
//
// Implementation:
//  1. Snapshot the excluded contributors under the read lock
//  2. Run the check for each one with its own timeout
//  3. Readmit contributors whose check succeeds
func (h *ContributorHealth) recheckExcluded(ctx context.Context) {
	h.mu.RLock()
	check := h.recheck
	var excluded []string
	for id, s := range h.contributors {
		if s.Status == StatusUnhealthy {
			excluded = append(excluded, id)
		}
	}
	h.mu.RUnlock()
	if check == nil {
		return
	}
	slices.Sort(excluded)

	for _, id := range excluded {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := check(cctx, id)
		cancel()
		if err != nil {
			h.logger.Debug("recovery check failed", zap.String("contributor", id), zap.Error(err))
			h.mu.Lock()
			if s := h.contributors[id]; s != nil {
				s.LastCheck = time.Now()
				s.LastError = err.Error()
			}
			h.mu.Unlock()
			continue
		}
		h.RecordSuccess(id)
	}
}

func (h *ContributorHealth) statusLocked(contributor string) *ContributorStatus {
	s, exists := h.contributors[contributor]
	if !exists {
		s = &ContributorStatus{ContributorID: contributor, Status: StatusUnknown}
		h.contributors[contributor] = s
	}
	return s
}

// RecordSuccess marks a contributor healthy and resets its failure count.
func (h *ContributorHealth) RecordSuccess(contributor string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.statusLocked(contributor)
	if s.Status == StatusUnhealthy {
		h.logger.Info("contributor recovered", zap.String("contributor", contributor))
	}
	now := time.Now()
	s.Status = StatusHealthy
	s.ConsecutiveFails = 0
	s.LastError = ""
	s.LastCheck = now
	s.LastHealthy = now
}

// RecordFailure counts a failure and excludes the contributor once
// maxFailures consecutive failures are reached.
//
// Parameters:
//   - contributor: The contributor that failed
//   - err: Cause of the failure, kept as LastError (may be nil)
func (h *ContributorHealth) RecordFailure(contributor string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.statusLocked(contributor)
	s.LastCheck = time.Now()
	s.ConsecutiveFails++
	if err != nil {
		s.LastError = err.Error()
	}
	h.logger.Debug("contributor failure recorded",
		zap.String("contributor", contributor),
		zap.Int("consecutive_fails", s.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))

	if s.ConsecutiveFails < h.maxFailures || s.Status == StatusUnhealthy {
		return
	}
	s.Status = StatusUnhealthy
	h.logger.Warn("contributor excluded",
		zap.String("contributor", contributor), zap.Int("consecutive_fails", s.ConsecutiveFails))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(contributor)
	}
}

// Available reports whether a contributor may be asked. Contributors never
// seen are available.
func (h *ContributorHealth) Available(contributor string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, exists := h.contributors[contributor]
	return !exists || s.Status != StatusUnhealthy
}

// IsHealthy returns whether a contributor's last outcome was a success.
func (h *ContributorHealth) IsHealthy(contributor string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, exists := h.contributors[contributor]
	return exists && s.Status == StatusHealthy
}

// GetStatus returns a copy of a contributor's status, or nil if it has no
// recorded outcome.
func (h *ContributorHealth) GetStatus(contributor string) *ContributorStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, exists := h.contributors[contributor]
	if !exists {
		return nil
	}
	cp := *s
	return &cp
}

// GetAllStatus returns copies of every tracked status keyed by contributor.
func (h *ContributorHealth) GetAllStatus() map[string]*ContributorStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*ContributorStatus, len(h.contributors))
	for id, s := range h.contributors {
		cp := *s
		result[id] = &cp
	}
	return result
}
