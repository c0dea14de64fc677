// Package bus moves cluster.Message envelopes between clients and
// contributors. Delivery is at-least-once and unordered; callers match
// responses to conversations themselves.
package bus

import (
	"context"
	"errors"

	"github.com/dreamware/bitkeep/internal/cluster"
)

// ErrClosed is returned when sending on or subscribing to a closed channel.
var ErrClosed = errors.New("message channel closed")

// Handler receives messages delivered to a destination. It may be invoked
// concurrently from several goroutines.
type Handler func(msg *cluster.Message)

// Subscription is an active registration of a Handler.
type Subscription interface {
	Unsubscribe() error
}

// Channel sends messages to named destinations and delivers messages
// addressed to subscribed destinations.
type Channel interface {
	// Send dispatches msg to every destination. It does not wait for any
	// response.
	Send(ctx context.Context, msg *cluster.Message, destinations ...string) error

	// Subscribe registers h for messages sent to destination.
	Subscribe(destination string, h Handler) (Subscription, error)

	// Close releases the channel. Pending deliveries may be dropped.
	Close() error
}
