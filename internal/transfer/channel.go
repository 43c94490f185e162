package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Channel is a connected link to one peer.
type Channel interface {
	// WriteChunk sends one frame and returns once the link acknowledged it.
	WriteChunk(ctx context.Context, frame []byte) error

	// Subscribe delivers inbound frames, or an error when the link fails.
	Subscribe(fn func(frame []byte, err error)) (unsubscribe func(), err error)
}

// NATSChannel carries frames on a NATS subject. A write counts as
// acknowledged once the server has processed it (publish, then flush).
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel uses an existing connection.
func NewNATSChannel(conn *nats.Conn, subject string) *NATSChannel {
	return &NATSChannel{conn: conn, subject: subject}
}

// DialNATSChannel connects to url.
func DialNATSChannel(url, subject string) (*NATSChannel, error) {
	conn, err := nats.Connect(url,
		nats.Name("healthsync-transfer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransferFailed, "connect to transfer broker", err)
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

// Subject returns the subject frames travel on.
func (c *NATSChannel) Subject() string {
	return c.subject
}

// WriteChunk publishes the frame and waits for the server round trip.
func (c *NATSChannel) WriteChunk(ctx context.Context, frame []byte) error {
	if c.conn.IsClosed() {
		return apperrors.New(apperrors.ErrTransferClosed, "transfer channel closed")
	}
	if err := c.conn.Publish(c.subject, frame); err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "publish chunk", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrTransferFailed, "chunk not acknowledged", err)
	}
	return nil
}

// Subscribe delivers frames published on the subject.
func (c *NATSChannel) Subscribe(fn func(frame []byte, err error)) (func(), error) {
	sub, err := c.conn.Subscribe(c.subject, func(m *nats.Msg) {
		fn(m.Data, nil)
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransferFailed, "subscribe to transfer subject", err)
	}
	if err := c.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, apperrors.Wrap(apperrors.ErrTransferFailed, "subscribe to transfer subject", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			logging.Debug("Transfer unsubscribe failed", map[string]interface{}{"error": err.Error()})
		}
	}, nil
}

// Close closes the underlying connection.
func (c *NATSChannel) Close() {
	c.conn.Close()
}

// EmbeddedBroker is an in-process NATS server for desktop peers that have
// no external broker.
type EmbeddedBroker struct {
	server *server.Server
}

// StartEmbeddedBroker listens on host:port. Port -1 picks a free port.
func StartEmbeddedBroker(host string, port int) (*EmbeddedBroker, error) {
	opts := &server.Options{
		Host:     host,
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}
	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded broker did not become ready")
	}

	logging.Info("Embedded transfer broker started", map[string]interface{}{"client_url": ns.ClientURL()})
	return &EmbeddedBroker{server: ns}, nil
}

// ClientURL returns the nats:// URL clients connect to.
func (b *EmbeddedBroker) ClientURL() string {
	return b.server.ClientURL()
}

// Shutdown stops the server and waits for it.
func (b *EmbeddedBroker) Shutdown() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
