package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/logging"
)

// NATS is a Channel backed by NATS core subjects. Destinations map one to
// one onto subjects and envelopes travel as JSON.
type NATS struct {
	conn       *nats.Conn
	maxPayload datasize.ByteSize
	logger     *zap.Logger
}

// DialNATS connects to the NATS server at url.
func DialNATS(url string, maxPayload datasize.ByteSize, logger *zap.Logger, opts ...nats.Option) (*NATS, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return NewNATS(conn, maxPayload, logger), nil
}

// NewNATS wraps an established connection. A zero maxPayload disables the
// local size guard and leaves enforcement to the server.
func NewNATS(conn *nats.Conn, maxPayload datasize.ByteSize, logger *zap.Logger) *NATS {
	return &NATS{conn: conn, maxPayload: maxPayload, logger: logging.OrNop(logger)}
}

// Send publishes msg on every destination subject.
func (n *NATS) Send(ctx context.Context, msg *cluster.Message, destinations ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.conn.IsClosed() {
		return ErrClosed
	}
	data, err := encodeMessage(msg, n.maxPayload)
	if err != nil {
		return err
	}
	for _, dest := range destinations {
		if err := n.conn.Publish(dest, data); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.Kind, dest, err)
		}
	}
	return nil
}

// Subscribe registers h on the destination subject. Messages that cannot be
// decoded are logged and dropped.
func (n *NATS) Subscribe(destination string, h Handler) (Subscription, error) {
	if n.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(destination, func(m *nats.Msg) {
		msg, err := decodeMessage(m.Data)
		if err != nil {
			n.logger.Warn("dropping undecodable message",
				zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return sub, nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func encodeMessage(msg *cluster.Message, maxPayload datasize.ByteSize) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	if maxPayload > 0 && uint64(len(data)) > maxPayload.Bytes() {
		return nil, fmt.Errorf("%s %s is %s, exceeds limit %s",
			msg.Operation, msg.Kind, datasize.ByteSize(len(data)).HumanReadable(), maxPayload.HumanReadable())
	}
	return data, nil
}

func decodeMessage(data []byte) (*cluster.Message, error) {
	var msg cluster.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
