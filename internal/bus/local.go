package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/logging"
)

// Local is an in-process Channel. Every delivery runs on its own goroutine,
// so messages sent in sequence may arrive in any order, as they can on a
// real broker.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

type localSub struct {
	bus         *Local
	destination string
	handler     Handler
}

// NewLocal creates an empty in-process bus.
func NewLocal(logger *zap.Logger) *Local {
	return &Local{
		subs:   make(map[string]map[*localSub]struct{}),
		logger: logging.OrNop(logger),
	}
}

// Send delivers a copy of msg to every handler subscribed on each destination.
// Destinations without subscribers silently drop the message.
func (l *Local) Send(ctx context.Context, msg *cluster.Message, destinations ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, dest := range destinations {
		if len(l.subs[dest]) == 0 {
			l.logger.Debug("no subscriber for destination",
				zap.String("destination", dest), zap.String("kind", string(msg.Kind)))
			continue
		}
		for sub := range l.subs[dest] {
			cp := *msg
			l.wg.Add(1)
			go func(h Handler) {
				defer l.wg.Done()
				h(&cp)
			}(sub.handler)
		}
	}
	return nil
}

// Subscribe registers h for destination.
func (l *Local) Subscribe(destination string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	sub := &localSub{bus: l, destination: destination, handler: h}
	if l.subs[destination] == nil {
		l.subs[destination] = make(map[*localSub]struct{})
	}
	l.subs[destination][sub] = struct{}{}
	return sub, nil
}

// Close rejects further traffic and waits for in-flight deliveries.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = make(map[string]map[*localSub]struct{})
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// Drain waits until every delivery started so far has returned.
func (l *Local) Drain() {
	l.wg.Wait()
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.destination], s)
	return nil
}
