package websocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Connection represents a WebSocket link carrying binary frames
type Connection struct {
	id     string
	conn   *websocket.Conn
	config protocol.Config
	logger log.Log
	closed atomic.Bool

	lastActivity atomic.Int64 // Unix nanos
	connectedAt  time.Time

	// Callbacks
	mu      sync.RWMutex
	onClose func(string)

	// Metrics
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	decodeErrors     atomic.Uint64

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewConnection wraps an established gorilla connection
func NewConnection(conn *websocket.Conn, config protocol.Config, logger log.Log) *Connection {
	if logger == nil {
		logger = log.NewNop()
	}

	now := time.Now()
	c := &Connection{
		id:          uuid.New().String(),
		conn:        conn,
		config:      config,
		connectedAt: now,
	}
	c.logger = logger.With(
		log.String("connection_id", c.id),
		log.String("transport", string(protocol.TransportWS)),
	)
	c.lastActivity.Store(now.UnixNano())

	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(config.MaxMessageSize))
	}
	conn.SetPongHandler(func(string) error {
		c.touch()
		if c.config.ReadTimeout > 0 {
			return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		return nil
	})

	return c
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() protocol.TransportType {
	return protocol.TransportWS
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send sends raw data over the connection
func (c *Connection) Send(data []byte) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	if c.config.MaxMessageSize > 0 && uint32(len(data)) > c.config.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "message size %d exceeds limit %d", len(data), c.config.MaxMessageSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	c.touch()

	return nil
}

// SendFrames writes control frames one per message and packs snapshots
// into as few batch messages as the size limit allows.
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

	for _, batch := range protocol.SplitBatches(snapshots, c.entriesPerMessage()) {
		if buf, err = protocol.AppendBatch(buf[:0], batch); err != nil {
			return errors.Wrap(err, "failed to encode batch")
		}
		if err = c.Send(buf); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connection) entriesPerMessage() int {
	if c.config.MaxMessageSize == 0 {
		return protocol.MaxBatchEntries
	}
	return protocol.EntriesPerDatagram(int(c.config.MaxMessageSize))
}

// Receive receives raw data from the connection
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if c.IsClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	// Set read deadline
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	// gorilla reads are not context aware, so cancellation expires the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.IsClosed() {
			return nil, protocol.ErrConnectionClosed
		}
		return nil, errors.Wrap(err, "failed to read message")
	}

	if messageType != websocket.BinaryMessage {
		return nil, errors.Wrapf(protocol.ErrUnsupportedMessage, "websocket message type %d", messageType)
	}

	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(data)))
	c.touch()

	return data, nil
}

// ReceiveFrames reads and decodes the next message
func (c *Connection) ReceiveFrames(ctx context.Context) ([]protocol.Frame, error) {
	data, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}

	frames, err := protocol.Decode(data)
	if err != nil {
		c.decodeErrors.Add(1)
		return nil, errors.Wrap(err, "failed to decode message")
	}
	return frames, nil
}

// KeepAlive pings the peer every PingInterval until ctx is done or a ping
// fails.
func (c *Connection) KeepAlive(ctx context.Context) error {
	if c.config.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.IsClosed() {
				return protocol.ErrConnectionClosed
			}
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return errors.Wrap(err, "failed to send ping")
			}
		}
	}
}

// WriteControl writes a control message with the given deadline
func (c *Connection) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

// IsClosed checks if the connection is closed
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// LastActivity returns the time of the last send or receive
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Metrics returns connection counters
func (c *Connection) Metrics() protocol.Metrics {
	return protocol.Metrics{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
	}
}

// OnClose sets a callback for when the connection is closed
func (c *Connection) OnClose(callback func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = callback
}

// Close closes the connection
func (c *Connection) Close() error {
	return c.CloseWithReason("connection closed")
}

// CloseWithReason closes the connection with a specific reason
func (c *Connection) CloseWithReason(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	// Send close message
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))

	err := c.conn.Close()

	c.mu.RLock()
	onClose := c.onClose
	c.mu.RUnlock()
	if onClose != nil {
		onClose(reason)
	}

	c.logger.Debug("Connection closed", log.String("reason", reason))
	return err
}
