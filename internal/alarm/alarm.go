// Package alarm delivers failure notifications that the coordinator cannot
// resolve on its own: contributors that fail or time out, and integrity
// problems such as disagreeing checksums.
package alarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/metrics"
)

// Code classifies an alarm.
type Code string

const (
	CodeComponentFailure Code = "COMPONENT_FAILURE"
	CodeComponentTimeout Code = "COMPONENT_TIMEOUT"
	CodeChecksumConflict Code = "CHECKSUM_ALARM"
	CodeIntegrityIssue   Code = "INTEGRITY_ISSUE"
)

// Alarm is a single notification.
type Alarm struct {
	Code         Code      `json:"code"`
	Text         string    `json:"text"`
	CollectionID string    `json:"collection_id,omitempty"`
	Contributor  string    `json:"contributor,omitempty"`
	FileID       string    `json:"file_id,omitempty"`
	Raised       time.Time `json:"raised"`
}

func (a Alarm) key() string {
	return strings.Join([]string{string(a.Code), a.CollectionID, a.Contributor, a.FileID}, "|")
}

// Sink receives alarms. Implementations must be safe for concurrent use and
// must not block for long.
type Sink interface {
	Raise(a Alarm)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Alarm)

// Raise calls f(a).
func (f SinkFunc) Raise(a Alarm) { f(a) }

// Dispatcher fans alarms out to several sinks and suppresses repeats of the
// same alarm (same code, collection, contributor and file) inside a window,
// so a contributor that stays down does not flood operators every round.
type Dispatcher struct {
	sinks   []Sink
	recent  *cache.Cache
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. A zero window disables suppression.
func NewDispatcher(window time.Duration, logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		window:  window,
		logger:  logging.OrNop(logger),
		metrics: metrics.OrDiscard(m),
	}
	if window > 0 {
		d.recent = cache.New(window, 2*window)
	}
	return d
}

// Raise forwards a to every sink unless an identical alarm was raised within
// the suppression window.
func (d *Dispatcher) Raise(a Alarm) {
	if a.Raised.IsZero() {
		a.Raised = time.Now()
	}
	if d.recent != nil {
		if err := d.recent.Add(a.key(), a.Raised, cache.DefaultExpiration); err != nil {
			d.metrics.AlarmsSuppressed.Add(1)
			d.logger.Debug("suppressing repeated alarm",
				zap.String("code", string(a.Code)),
				zap.String("collection", a.CollectionID),
				zap.String("contributor", a.Contributor))
			return
		}
	}
	d.metrics.AlarmsRaised.Add(1)
	for _, s := range d.sinks {
		s.Raise(a)
	}
}

// LogSink writes alarms to a logger.
type LogSink struct {
	Logger *zap.Logger
}

// Raise logs a at warn level.
func (s LogSink) Raise(a Alarm) {
	logging.OrNop(s.Logger).Warn("alarm raised",
		zap.String("code", string(a.Code)),
		zap.String("text", a.Text),
		zap.String("collection", a.CollectionID),
		zap.String("contributor", a.Contributor),
		zap.String("file_id", a.FileID),
		zap.Time("raised", a.Raised))
}

// MemorySink keeps the most recent alarms in memory.
type MemorySink struct {
	mu     sync.Mutex
	alarms []Alarm
	limit  int
}

// NewMemorySink keeps at most limit alarms; zero means unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Raise stores a, evicting the oldest alarm when full.
func (s *MemorySink) Raise(a Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms = append(s.alarms, a)
	if s.limit > 0 && len(s.alarms) > s.limit {
		s.alarms = s.alarms[len(s.alarms)-s.limit:]
	}
}

// Alarms returns a copy of the stored alarms, oldest first.
func (s *MemorySink) Alarms() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alarm(nil), s.alarms...)
}

// Len returns the number of stored alarms.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alarms)
}

// WebhookSink posts alarms as JSON to an HTTP endpoint. Posting happens in
// the background; failures are logged.
type WebhookSink struct {
	url     string
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{url: url, timeout: timeout, logger: logging.OrNop(logger)}
}

// Raise posts a asynchronously.
func (s *WebhookSink) Raise(a Alarm) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := cluster.PostJSON(ctx, s.url, a, nil); err != nil {
			s.logger.Error("failed to forward alarm",
				zap.String("url", s.url), zap.String("code", string(a.Code)), zap.Error(err))
		}
	}()
}

// Close waits for in-flight posts.
func (s *WebhookSink) Close() {
	s.wg.Wait()
}
