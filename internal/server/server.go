// Package server implements the snapshot relay. Once per tick it polls its
// sources, stamps every pose with the relay clock and fans the batch out to
// websocket and QUIC subscribers.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
	"github.com/zeusync/ghostline/internal/core/protocol/quic"
	"github.com/zeusync/ghostline/internal/core/protocol/websocket"
)

const shutdownTimeout = 5 * time.Second

// Server is the snapshot relay
type Server struct {
	config Config
	logger log.Log
	start  time.Time

	sources   []Source
	publisher *PublisherSource
	hub       *Hub
	auth      *TokenAuth
	upgrader  *gorilla.Upgrader

	// known is the entity set of the last tick, guarded by tickMx
	tickMx sync.Mutex
	known  map[uuid.UUID]struct{}
	ticks  atomic.Uint64

	running      atomic.Bool
	httpListener net.Listener
	quicListener *quic.Listener
	httpServer   *http.Server
}

// Stats contains server statistics
type Stats struct {
	Status      string `json:"status"`
	Entities    int    `json:"entities"`
	Subscribers int    `json:"subscribers"`
	Published   int    `json:"published"`
	Ticks       uint64 `json:"ticks"`
	Dropped     uint64 `json:"dropped"`
	UptimeMs    int64  `json:"uptime_ms"`
}

// NewServer creates a relay with a publisher source and, when configured,
// scripted ghosts
func NewServer(config Config, logger log.Log) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With(log.String("component", "server"))

	s := &Server{
		config:    config,
		logger:    logger,
		start:     time.Now(),
		publisher: NewPublisherSource(config.StaleAfter),
		hub:       NewHub(config.MaxSubscribers, config.SendQueueSize, logger),
		auth:      NewTokenAuth(config.PublishToken),
		upgrader:  websocket.NewUpgrader(config.Transport),
		known:     make(map[uuid.UUID]struct{}),
	}

	s.sources = append(s.sources, s.publisher)
	if config.Ghosts.Count > 0 {
		s.sources = append(s.sources, NewGhostSource(config.Ghosts))
	}

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.String("quic_addr", config.QUICAddr),
		log.Int("tick_rate", config.TickRate),
		log.Int("ghosts", config.Ghosts.Count))

	return s, nil
}

// AddSource registers an extra pose source. Call before Serve.
func (s *Server) AddSource(src Source) {
	s.tickMx.Lock()
	defer s.tickMx.Unlock()
	s.sources = append(s.sources, src)
}

func (s *Server) Publisher() *PublisherSource {
	return s.publisher
}

// ServerTime is the relay clock in milliseconds since start, never zero so
// receivers always calibrate against it.
func (s *Server) ServerTime() uint64 {
	return serverTime(time.Since(s.start))
}

func serverTime(elapsed time.Duration) uint64 {
	return max(uint64(elapsed/time.Millisecond), 1)
}

// Tick polls every source and broadcasts the resulting frames. Joins,
// resets and leaves precede the snapshots of the same tick.
func (s *Server) Tick() []protocol.Frame {
	s.tickMx.Lock()
	defer s.tickMx.Unlock()

	// Read the clock under the lock so stamps never go backwards
	elapsed := time.Since(s.start)
	stamp := serverTime(elapsed)

	current := make(map[uuid.UUID]struct{}, len(s.known))
	var control, snapshots []protocol.Frame

	for _, src := range s.sources {
		for _, e := range src.Poll(elapsed) {
			if _, dup := current[e.ID]; dup {
				continue
			}
			current[e.ID] = struct{}{}

			if _, ok := s.known[e.ID]; !ok {
				control = append(control, protocol.JoinFrame(e.ID))
			}
			snapshots = append(snapshots, protocol.SnapshotFrame(e.ID, interpolation.Snapshot{
				Position:   e.Position,
				Yaw:        e.Yaw,
				ServerTime: stamp,
			}))
		}

		if rs, ok := src.(ResetSource); ok {
			for _, id := range rs.DrainResets() {
				if _, ok := current[id]; ok {
					control = append(control, protocol.ResetFrame(id))
				}
			}
		}
	}

	for id := range s.known {
		if _, ok := current[id]; !ok {
			control = append(control, protocol.LeaveFrame(id))
		}
	}
	s.known = current

	frames := append(control, snapshots...)
	s.hub.Broadcast(frames)
	s.ticks.Add(1)

	return frames
}

// joinFrames announces every known entity to a new subscriber
func (s *Server) joinFrames() []protocol.Frame {
	frames := make([]protocol.Frame, 0, len(s.known))
	for id := range s.known {
		frames = append(frames, protocol.JoinFrame(id))
	}
	return frames
}

// Handler exposes the HTTP endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSubscribe)
	mux.HandleFunc("/publish", s.auth.Middleware(s.handlePublish))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Listen binds the HTTP and, when configured, QUIC sockets
func (s *Server) Listen() error {
	if s.running.Load() {
		return ErrServerAlreadyRunning
	}

	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Join(ErrListenerFailed, err)
	}
	s.httpListener = l

	if s.config.QUICAddr != "" {
		tlsConfig, err := s.quicTLS()
		if err != nil {
			_ = l.Close()
			return errors.Join(ErrListenerFailed, err)
		}
		ql, err := quic.Listen(s.config.QUICAddr, tlsConfig, s.config.Transport, s.logger)
		if err != nil {
			_ = l.Close()
			return errors.Join(ErrListenerFailed, err)
		}
		s.quicListener = ql
	}

	s.logger.Info("Server listening", log.String("addr", l.Addr().String()))
	return nil
}

func (s *Server) quicTLS() (*tls.Config, error) {
	if s.config.CertFile != "" {
		return quic.LoadTLS(s.config.CertFile, s.config.KeyFile)
	}
	s.logger.Warn("No certificate configured, using a self-signed one for QUIC")
	return quic.GenerateSelfSignedTLS()
}

// Addr is the bound HTTP address, nil before Listen
func (s *Server) Addr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// QUICAddr is the bound QUIC address, nil when disabled
func (s *Server) QUICAddr() net.Addr {
	if s.quicListener == nil {
		return nil
	}
	return s.quicListener.Addr()
}

// Run listens and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the HTTP server, the QUIC accept loop and the tick loop until
// ctx is done. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpListener == nil {
		return ErrServerNotRunning
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer s.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return s.tickLoop(ctx)
	})

	if s.quicListener != nil {
		g.Go(func() error {
			return s.acceptQUIC(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	s.logger.Info("Server started")
	err := g.Wait()
	s.logger.Info("Server stopped", log.Uint64("ticks", s.ticks.Load()))
	return err
}

func (s *Server) shutdown() error {
	s.logger.Info("Stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.hub.CloseAll()
	if s.quicListener != nil {
		_ = s.quicListener.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Server) acceptQUIC(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.quicListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrConnectionClosed) {
				return nil
			}
			s.logger.Error("Failed to accept QUIC connection", log.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveSubscriber(ctx, conn, func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return nil
				case <-conn.Done():
					return protocol.ErrConnectionClosed
				}
			})
		}()
	}
}

// serveSubscriber runs the writer of conn alongside watchers, which return
// once the peer is gone
func (s *Server) serveSubscriber(ctx context.Context, conn protocol.Connection, watchers ...func(context.Context) error) {
	defer conn.Close()

	s.tickMx.Lock()
	sub, err := s.hub.Add(conn, s.joinFrames())
	s.tickMx.Unlock()
	if err != nil {
		s.logger.Warn("Rejecting subscriber", log.String("remote_addr", conn.RemoteAddr().String()), log.Error(err))
		return
	}
	defer s.hub.Remove(conn.ID())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.run(ctx) })
	for _, watch := range watchers {
		g.Go(func() error { return watch(ctx) })
	}

	if err = g.Wait(); err != nil && !errors.Is(err, protocol.ErrConnectionClosed) {
		sub.logger.Debug("Subscriber finished", log.Error(err))
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(s.upgrader, w, r, s.config.Transport, s.logger)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	s.serveSubscriber(r.Context(), conn, conn.KeepAlive, func(ctx context.Context) error {
		// Viewers only listen, reads exist to notice the close
		for {
			if _, err := conn.ReceiveFrames(ctx); err != nil && !protocol.IsDecodeError(err) {
				return err
			}
		}
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(s.upgrader, w, r, s.config.Transport, s.logger)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	owner := conn.ID()
	logger := s.logger.With(log.String("publisher_id", owner))
	logger.Info("Publisher connected", log.String("remote_addr", conn.RemoteAddr().String()))

	ctx := r.Context()
	for {
		frames, err := conn.ReceiveFrames(ctx)
		if err != nil {
			if protocol.IsDecodeError(err) {
				logger.Warn("Dropping malformed frame", log.Error(err))
				continue
			}
			break
		}
		s.publisher.Apply(owner, frames)
	}

	dropped := s.publisher.DropOwner(owner)
	logger.Info("Publisher disconnected", log.Int("entities_dropped", dropped))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	s.tickMx.Lock()
	entities := len(s.known)
	s.tickMx.Unlock()

	return Stats{
		Status:      "ok",
		Entities:    entities,
		Subscribers: s.hub.Len(),
		Published:   s.publisher.Len(),
		Ticks:       s.ticks.Load(),
		Dropped:     s.hub.Dropped(),
		UptimeMs:    time.Since(s.start).Milliseconds(),
	}
}
