package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Connection sends and receives frames as QUIC datagrams
type Connection struct {
	id     string
	conn   *quic.Conn
	config protocol.Config
	logger log.Log
	closed atomic.Bool

	connectedAt time.Time

	// Metrics
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	decodeErrors     atomic.Uint64
}

// NewConnection wraps an established QUIC connection
func NewConnection(conn *quic.Conn, config protocol.Config, logger log.Log) *Connection {
	if logger == nil {
		logger = log.NewNop()
	}

	c := &Connection{
		id:          uuid.New().String(),
		conn:        conn,
		config:      config,
		connectedAt: time.Now(),
	}
	c.logger = logger.With(
		log.String("connection_id", c.id),
		log.String("transport", string(protocol.TransportQUIC)),
	)

	c.logger.Debug("QUIC connection established",
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.String("local_addr", conn.LocalAddr().String()))

	return c
}

// Dial creates a QUIC connection
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config protocol.Config, logger log.Log) (*Connection, error) {
	if tlsConfig == nil {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsConfig = ClientTLS(host, false)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, buildQUICConfig(config))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial QUIC connection %s", addr)
	}

	return NewConnection(conn, config, logger), nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() protocol.TransportType {
	return protocol.TransportQUIC
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one datagram
func (c *Connection) Send(data []byte) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	if c.config.MaxDatagramSize > 0 && len(data) > c.config.MaxDatagramSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "datagram size %d exceeds limit %d", len(data), c.config.MaxDatagramSize)
	}

	if err := c.conn.SendDatagram(data); err != nil {
		return errors.Wrap(err, "failed to send datagram")
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendFrames sends control frames one per datagram and splits snapshots
// into batches that fit MaxDatagramSize.
func (c *Connection) SendFrames(frames []protocol.Frame) error {
	control, snapshots := protocol.SplitControl(frames)

	buf := protocol.GetBuffer()
	defer func() { protocol.PutBuffer(buf) }()

	var err error
	for _, f := range control {
		if buf, err = protocol.AppendFrame(buf[:0], f); err != nil {
			return errors.Wrap(err, "failed to encode frame")
		}
		if err = c.Send(buf); err != nil {
			return err
		}
	}

	perDatagram := protocol.MaxBatchEntries
	if c.config.MaxDatagramSize > 0 {
		perDatagram = protocol.EntriesPerDatagram(c.config.MaxDatagramSize)
	}
	for _, batch := range protocol.SplitBatches(snapshots, perDatagram) {
		if buf, err = protocol.AppendBatch(buf[:0], batch); err != nil {
			return errors.Wrap(err, "failed to encode batch")
		}
		if err = c.Send(buf); err != nil {
			return err
		}
	}

	return nil
}

// Receive blocks for the next datagram
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if c.IsClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	data, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.IsClosed() {
			return nil, protocol.ErrConnectionClosed
		}
		return nil, errors.Wrap(err, "failed to receive datagram")
	}

	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(data)))
	return data, nil
}

// ReceiveFrames reads and decodes the next datagram
func (c *Connection) ReceiveFrames(ctx context.Context) ([]protocol.Frame, error) {
	data, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}

	frames, err := protocol.Decode(data)
	if err != nil {
		c.decodeErrors.Add(1)
		return nil, errors.Wrap(err, "failed to decode datagram")
	}
	return frames, nil
}

// Done is closed once the underlying connection is gone
func (c *Connection) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) Metrics() protocol.Metrics {
	return protocol.Metrics{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
	}
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

func (c *Connection) Close() error {
	return c.CloseWithReason("connection closed")
}

func (c *Connection) CloseWithReason(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	c.logger.Debug("Closing QUIC connection", log.String("reason", reason))
	return c.conn.CloseWithError(0, reason)
}
