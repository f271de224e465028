// Package client provides the Go SDK for viewing a relay: it connects over
// websocket or QUIC, feeds received snapshots into an interpolation registry
// and drives a fixed-rate render loop over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
	"github.com/zeusync/ghostline/internal/core/protocol/quic"
	"github.com/zeusync/ghostline/internal/core/protocol/websocket"
	"github.com/zeusync/ghostline/internal/core/registry"
)

// RenderFunc receives one sampled pose per entity per frame
type RenderFunc = registry.SampleFunc

// Client represents a relay connection and the entities it tracks
type Client struct {
	config   Config
	logger   log.Log
	registry *registry.Registry

	// Connection management
	connMx sync.RWMutex
	conn   protocol.Connection

	// Event handlers
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	// Metrics
	framesReceived atomic.Uint64
	decodeErrors   atomic.Uint64
	reconnects     atomic.Uint64
	expired        atomic.Uint64
}

// Stats contains client statistics
type Stats struct {
	FramesReceived uint64
	DecodeErrors   uint64
	Reconnects     uint64
	Expired        uint64
	Entities       int
	Connected      bool
}

// NewClient creates a new client. Options are passed to the registry, e.g.
// to share a clock with the renderer.
func NewClient(config Config, logger log.Log, opts ...registry.Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With(log.String("component", "client"))

	reg, err := registry.New(config.Interpolation, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Client{
		config:        config,
		logger:        logger,
		registry:      reg,
		eventHandlers: make(map[EventType][]EventHandler),
		done:          make(chan struct{}),
	}

	reg.OnJoin(func(id uuid.UUID) {
		c.emitEvent(Event{Type: EventTypeEntityJoined, Entity: id})
	})
	reg.OnLeave(func(id uuid.UUID) {
		c.emitEvent(Event{Type: EventTypeEntityLeft, Entity: id})
	})

	c.logger.Info("Client created",
		log.String("transport", config.Transport),
		log.Float64("interval_ms", config.Interpolation.IntervalMs),
		log.Float64("render_delay_ms", config.Interpolation.EffectiveRenderDelay()))

	return c, nil
}

// Registry exposes the entity interpolators fed by this client
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Connect establishes connection to the relay
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		}
		c.logger.Error("Failed to connect to relay", log.Error(err))
		return err
	}

	c.connMx.Lock()
	c.conn = conn
	c.connMx.Unlock()
	c.connected.Store(true)

	c.logger.Info("Connected to relay",
		log.String("transport", string(conn.Transport())),
		log.String("remote_addr", conn.RemoteAddr().String()))

	c.emitEvent(Event{Type: EventTypeConnected})
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Connection, error) {
	transport, err := c.config.TransportType()
	if err != nil {
		return nil, err
	}

	switch transport {
	case protocol.TransportQUIC:
		host, _, err := net.SplitHostPort(c.config.QUICAddr)
		if err != nil {
			return nil, err
		}
		conn, err := quic.Dial(ctx, c.config.QUICAddr, quic.ClientTLS(host, c.config.Insecure), c.config.Link, c.logger)
		if err != nil {
			return nil, err
		}
		return conn, nil

	default:
		header := http.Header{}
		if c.config.PublishToken != "" {
			header.Set("Authorization", "Bearer "+c.config.PublishToken)
		}
		conn, err := websocket.Dial(ctx, c.config.URL(), header, c.config.Link, c.logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (c *Client) connection() protocol.Connection {
	c.connMx.RLock()
	defer c.connMx.RUnlock()
	return c.conn
}

// Run receives frames until ctx is done or the client is closed. A lost
// connection is retried up to MaxReconnectAttempts times.
func (c *Client) Run(ctx context.Context) error {
	if c.config.StaleAfter > 0 {
		expireCtx, stop := context.WithCancel(ctx)
		defer stop()
		go c.expireLoop(expireCtx)
	}

	for {
		conn := c.connection()
		if conn == nil || !c.connected.Load() {
			return ErrNotConnected
		}

		err := c.receive(ctx, conn)
		if ctx.Err() != nil || c.closed.Load() {
			return nil
		}

		c.disconnected(conn, err)
		if c.config.MaxReconnectAttempts == 0 {
			return err
		}
		if err = c.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) receive(ctx context.Context, conn protocol.Connection) error {
	for {
		frames, err := conn.ReceiveFrames(ctx)
		if err != nil {
			if protocol.IsDecodeError(err) {
				c.decodeErrors.Add(1)
				c.logger.Warn("Dropping malformed message", log.Error(err))
				continue
			}
			return err
		}
		c.HandleFrames(frames)
	}
}

// disconnected tears down a lost connection. The relay clock restarts with
// the relay, so every entity is dropped and recalibrated after reconnect.
func (c *Client) disconnected(conn protocol.Connection, cause error) {
	c.connected.Store(false)
	_ = conn.Close()

	c.connMx.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMx.Unlock()

	c.registry.Clear()

	c.logger.Warn("Connection lost", log.Error(cause))
	c.emitEvent(Event{Type: EventTypeDisconnected, Error: cause})
}

func (c *Client) reconnect(ctx context.Context) error {
	c.emitEvent(Event{Type: EventTypeReconnecting})

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		case <-time.After(c.config.ReconnectInterval):
		}

		c.logger.Info("Reconnection attempt", log.Int("attempt", attempt))
		if lastErr = c.Connect(ctx); lastErr == nil {
			c.reconnects.Add(1)
			c.logger.Info("Reconnected successfully")
			return nil
		}
	}

	c.emitEvent(Event{Type: EventTypeError, Error: lastErr})
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.config.MaxReconnectAttempts, lastErr)
}

func (c *Client) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.ExpireStale()
		}
	}
}

// ExpireStale drops entities that have not received a snapshot within
// StaleAfter. Run calls it periodically.
func (c *Client) ExpireStale() int {
	if c.config.StaleAfter <= 0 {
		return 0
	}
	n := c.registry.Expire(float64(c.config.StaleAfter) / float64(time.Millisecond))
	if n > 0 {
		c.expired.Add(uint64(n))
		c.logger.Debug("Expired stale entities", log.Int("count", n))
	}
	return n
}

// HandleFrames applies decoded frames to the registry. It is the entry point
// for transports the client does not own.
func (c *Client) HandleFrames(frames []protocol.Frame) {
	for _, f := range frames {
		c.framesReceived.Add(1)

		switch f.Type {
		case protocol.MessageTypeJoin:
			// A repeated join must not wipe a live buffer
			if !c.registry.Has(f.Entity) {
				c.registry.Join(f.Entity)
			}
		case protocol.MessageTypeLeave:
			c.registry.Leave(f.Entity)
		case protocol.MessageTypeReset:
			if c.registry.Reset(f.Entity) {
				c.emitEvent(Event{Type: EventTypeEntityReset, Entity: f.Entity})
			}
		case protocol.MessageTypeSnapshot:
			c.registry.Push(f.Entity, f.Snapshot)
		default:
			c.logger.Debug("Ignoring frame", log.String("type", f.Type.String()))
		}
	}
}

// Send writes frames to the relay, e.g. when publishing on /publish
func (c *Client) Send(frames []protocol.Frame) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	conn := c.connection()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	return conn.SendFrames(frames)
}

// Sample returns the current render pose of one entity
func (c *Client) Sample(id uuid.UUID) (interpolation.Pose, interpolation.Mode, bool) {
	return c.registry.Sample(id)
}

// RenderLoop samples every entity hz times per second and hands each pose
// to render, until ctx is done or the client is closed. A non-positive hz
// falls back to the configured render rate.
func (c *Client) RenderLoop(ctx context.Context, hz int, render RenderFunc) error {
	if hz <= 0 {
		hz = c.config.RenderRate
	}
	if hz <= 0 {
		return fmt.Errorf("%w: render rate must be positive", ErrInvalidConfig)
	}

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			c.registry.SampleAll(render)
		}
	}
}

// IsConnected returns true while a connection is up
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

func (c *Client) Stats() Stats {
	return Stats{
		FramesReceived: c.framesReceived.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		Reconnects:     c.reconnects.Load(),
		Expired:        c.expired.Load(),
		Entities:       c.registry.Len(),
		Connected:      c.connected.Load(),
	}
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	c.logger.Info("Closing client")
	close(c.done)

	wasConnected := c.connected.Swap(false)

	c.connMx.Lock()
	conn := c.conn
	c.conn = nil
	c.connMx.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if wasConnected {
		c.emitEvent(Event{Type: EventTypeDisconnected})
	}

	return err
}
