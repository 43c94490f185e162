package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsPublisher is the subset of *nats.Conn used by NATSSink.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event on <prefix>.<type>.
type NATSSink struct {
	conn   natsPublisher
	prefix string
	owned  *nats.Conn
}

// NewNATSSink publishes over an existing connection. The connection is not
// closed by Close.
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

// DialNATSSink connects to url and owns the connection.
func DialNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("healthsync-events"))
	if err != nil {
		return nil, fmt.Errorf("nats sink: connect: %w", err)
	}
	return &NATSSink{conn: nc, prefix: prefix, owned: nc}, nil
}

// Name implements named.
func (n *NATSSink) Name() string {
	return "nats:" + n.prefix
}

// Subject returns the subject an event type is published on.
func (n *NATSSink) Subject(t Type) string {
	return n.prefix + "." + string(t)
}

// Publish implements Publisher.
func (n *NATSSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats sink: encode event: %w", err)
	}
	return n.conn.Publish(n.Subject(ev.Type), data)
}

// Close drains the connection when the sink owns it.
func (n *NATSSink) Close() error {
	if n.owned != nil {
		return n.owned.Drain()
	}
	return nil
}
