package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/metrics"
)

// Settings configures the conversations started by a Client.
type Settings struct {
	// ClientID is sent as the sender of every request.
	ClientID string
	// ReplyTo is the destination contributors answer to. Defaults to
	// "bitkeep.client.<ClientID>".
	ReplyTo string
	// IdentifyTimeout bounds the identify phase.
	IdentifyTimeout time.Duration
	// RequestTimeout bounds the wait for each contributor's final response.
	RequestTimeout time.Duration
	// OperationTimeout bounds the whole conversation. Zero disables it.
	OperationTimeout time.Duration
	// IdentifyRetries is how often the identify request is repeated while
	// nobody has identified positively.
	IdentifyRetries int
}

func (s *Settings) validate() error {
	if s.ClientID == "" {
		return errors.New("client id is required")
	}
	if s.IdentifyTimeout <= 0 {
		return fmt.Errorf("identify timeout must be positive, got %v", s.IdentifyTimeout)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", s.RequestTimeout)
	}
	if s.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout must not be negative, got %v", s.OperationTimeout)
	}
	if s.IdentifyRetries < 0 {
		return fmt.Errorf("identify retries must not be negative, got %d", s.IdentifyRetries)
	}
	if s.ReplyTo == "" {
		s.ReplyTo = "bitkeep.client." + s.ClientID
	}
	return nil
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithAlarmSink sets where contributor timeouts are reported.
func WithAlarmSink(s alarm.Sink) Option {
	return func(c *Client) {
		if s != nil {
			c.alarms = s
		}
	}
}

// WithMetrics sets the counters updated by conversations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = metrics.OrDiscard(m) }
}

// Client starts conversations over a message channel. It subscribes to its
// reply destination once and routes every response to the conversation
// named by the response's correlation ID.
type Client struct {
	channel  bus.Channel
	settings Settings
	alarms   alarm.Sink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	mediator *Mediator
	sub      bus.Subscription
}

// NewClient creates a client and subscribes it to settings.ReplyTo.
func NewClient(channel bus.Channel, settings Settings, opts ...Option) (*Client, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation settings: %w", err)
	}
	c := &Client{
		channel:  channel,
		settings: settings,
		alarms:   alarm.SinkFunc(func(alarm.Alarm) {}),
		logger:   zap.NewNop(),
		metrics:  &metrics.Metrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mediator = NewMediator(c.logger)

	sub, err := channel.Subscribe(settings.ReplyTo, c.mediator.Handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", settings.ReplyTo, err)
	}
	c.sub = sub
	return c, nil
}

// Settings returns the client settings.
func (c *Client) Settings() Settings { return c.settings }

// Start begins an operation against contributors and returns its running
// conversation. Events are delivered to handler, which may be nil. When ctx
// is cancelled before the conversation finishes, the conversation is
// cancelled.
//
// Start fails immediately with ErrNoContributorsConfigured when
// contributors is empty. Failures after that point are reported through the
// event stream and Wait.
func (c *Client) Start(ctx context.Context, p Params, contributors []string, handler EventHandler) (*Conversation, error) {
	if len(contributors) == 0 {
		return nil, ErrNoContributorsConfigured
	}
	if p.CollectionID == "" {
		return nil, errors.New("collection id is required")
	}
	if p.Descriptor == nil {
		return nil, errors.New("operation descriptor is required")
	}
	if p.Destination == "" {
		p.Destination = cluster.CollectionDestination(p.CollectionID)
	}

	unique := slices.Clone(contributors)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	conv := newConversation(uuid.NewString(), p, unique, handler, c)
	stop := context.AfterFunc(ctx, conv.Cancel)
	conv.release = func() {
		stop()
		c.mediator.remove(conv.id)
	}
	c.mediator.add(conv)
	c.metrics.OperationsStarted.Add(1)
	conv.logger.Debug("starting conversation", zap.Strings("contributors", unique))
	conv.start()
	return conv, nil
}

// Close unsubscribes the client and cancels every running conversation.
func (c *Client) Close() error {
	for _, conv := range c.mediator.conversations() {
		conv.Cancel()
	}
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// Mediator routes responses to running conversations by correlation ID.
type Mediator struct {
	mu     sync.RWMutex
	convs  map[string]*Conversation
	logger *zap.Logger
}

// NewMediator creates an empty mediator.
func NewMediator(logger *zap.Logger) *Mediator {
	return &Mediator{convs: make(map[string]*Conversation), logger: logging.OrNop(logger)}
}

// Handle hands msg to its conversation without waiting for it to be
// processed. Requests and responses for unknown or finished conversations
// are dropped.
func (m *Mediator) Handle(msg *cluster.Message) {
	if !msg.IsResponse() {
		m.logger.Debug("mediator ignoring non-response", zap.String("kind", string(msg.Kind)))
		return
	}
	m.mu.RLock()
	conv := m.convs[msg.CorrelationID]
	m.mu.RUnlock()
	if conv == nil {
		m.logger.Debug("no conversation for response",
			zap.String("correlation_id", msg.CorrelationID), zap.String("from", msg.From))
		return
	}
	conv.receive(msg)
}

// Running returns the number of conversations still registered.
func (m *Mediator) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

func (m *Mediator) add(c *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.id] = c
}

func (m *Mediator) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
}

func (m *Mediator) conversations() []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out
}
