package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
	"github.com/zeusync/ghostline/internal/core/protocol/websocket"
	"github.com/zeusync/ghostline/internal/core/registry"
	"github.com/zeusync/ghostline/internal/server"
)

func testConfig(addr string) Config {
	config := DefaultClientConfig()
	config.ServerAddr = addr
	config.ConnectTimeout = 2 * time.Second
	config.ReconnectInterval = 10 * time.Millisecond
	config.MaxReconnectAttempts = 0
	return config
}

func hostOf(hs *httptest.Server) string {
	return strings.TrimPrefix(hs.URL, "http://")
}

func newTestClient(t *testing.T, config Config, opts ...registry.Option) *Client {
	t.Helper()
	c, err := NewClient(config, log.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type eventRecorder struct {
	mx     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(c *Client, types ...EventType) {
	for _, et := range types {
		c.OnEvent(et, func(e Event) error {
			r.mx.Lock()
			defer r.mx.Unlock()
			r.events = append(r.events, e)
			return nil
		})
	}
}

func (r *eventRecorder) types() []EventType {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultClientConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"missing server addr", func(c *Config) { c.ServerAddr = "" }},
		{"quic without addr", func(c *Config) { c.Transport = "quic" }},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }},
		{"negative stale after", func(c *Config) { c.StaleAfter = -time.Second }},
		{"negative render rate", func(c *Config) { c.RenderRate = -1 }},
		{"bad interval", func(c *Config) { c.Interpolation.IntervalMs = 0 }},
		{"bad link", func(c *Config) { c.Link.MaxDatagramSize = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultClientConfig()
			tt.mutate(&config)
			require.ErrorIs(t, config.Validate(), ErrInvalidConfig)

			_, err := NewClient(config, nil)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestClient_HandleFrames(t *testing.T) {
	clock := interpolation.NewManualClock(1000)
	c := newTestClient(t, DefaultClientConfig(), registry.WithClock(clock))

	rec := &eventRecorder{}
	rec.record(c, EventTypeEntityJoined, EventTypeEntityLeft, EventTypeEntityReset)

	id := uuid.New()
	c.HandleFrames([]protocol.Frame{
		protocol.JoinFrame(id),
		protocol.SnapshotFrame(id, interpolation.Snapshot{Position: interpolation.Vec3{X: 1}, ServerTime: 100}),
		protocol.SnapshotFrame(id, interpolation.Snapshot{Position: interpolation.Vec3{X: 2}, ServerTime: 150}),
	})
	require.True(t, c.Registry().Has(id))

	// A duplicate join keeps the buffer
	c.HandleFrames([]protocol.Frame{protocol.JoinFrame(id)})
	stats, ok := c.Registry().Stats(id)
	require.True(t, ok)
	require.Equal(t, uint64(2), stats.Pushes)

	pose, mode, ok := c.Sample(id)
	require.True(t, ok)
	require.NotEqual(t, interpolation.ModeNone, mode)
	require.InDelta(t, 1.0, pose.Position.X, 1e-9, "render time sits at the oldest snapshot")

	c.HandleFrames([]protocol.Frame{protocol.ResetFrame(id)})
	_, mode, ok = c.Sample(id)
	require.False(t, ok)
	require.Equal(t, interpolation.ModeNone, mode)

	// Snapshots for unknown entities track them lazily
	other := uuid.New()
	c.HandleFrames([]protocol.Frame{
		protocol.SnapshotFrame(other, interpolation.Snapshot{ServerTime: 10}),
		protocol.LeaveFrame(id),
	})
	require.False(t, c.Registry().Has(id))
	require.True(t, c.Registry().Has(other))

	require.Equal(t, []EventType{
		EventTypeEntityJoined,
		EventTypeEntityReset,
		EventTypeEntityJoined,
		EventTypeEntityLeft,
	}, rec.types())
	require.Equal(t, uint64(7), c.Stats().FramesReceived)
	require.Equal(t, 1, c.Stats().Entities)
}

func TestClient_NotConnected(t *testing.T) {
	c := newTestClient(t, DefaultClientConfig())

	require.ErrorIs(t, c.Run(context.Background()), ErrNotConnected)
	require.ErrorIs(t, c.Send(nil), ErrNotConnected)
	require.False(t, c.IsConnected())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.True(t, c.IsClosed())
	require.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	require.ErrorIs(t, c.Send(nil), ErrClientClosed)
}

func TestClient_RelayRoundTrip(t *testing.T) {
	serverConfig := server.DefaultServerConfig()
	serverConfig.Ghosts.Count = 0
	serverConfig.PublishToken = "secret"
	relay, err := server.NewServer(serverConfig, log.NewNop())
	require.NoError(t, err)

	hs := httptest.NewServer(relay.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	viewer := newTestClient(t, testConfig(hostOf(hs)))
	rec := &eventRecorder{}
	rec.record(viewer, EventTypeConnected, EventTypeEntityJoined)

	require.NoError(t, viewer.Connect(ctx))
	require.ErrorIs(t, viewer.Connect(ctx), ErrAlreadyConnected)
	require.True(t, viewer.IsConnected())

	runDone := make(chan error, 1)
	go func() { runDone <- viewer.Run(ctx) }()

	pubConfig := testConfig(hostOf(hs))
	pubConfig.Path = "/publish"
	pubConfig.PublishToken = "secret"
	publisher := newTestClient(t, pubConfig)
	require.NoError(t, publisher.Connect(ctx))

	require.Eventually(t, func() bool { return relay.Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	id := uuid.New()
	require.NoError(t, publisher.Send([]protocol.Frame{
		protocol.SnapshotFrame(id, interpolation.Snapshot{Position: interpolation.Vec3{X: 4, Z: -2}, Yaw: 1}),
	}))
	require.Eventually(t, func() bool { return relay.Publisher().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	relay.Tick()

	require.Eventually(t, func() bool {
		_, _, ok := viewer.Sample(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	pose, _, _ := viewer.Sample(id)
	assert.Equal(t, 4.0, pose.Position.X)
	assert.Equal(t, -2.0, pose.Position.Z)
	assert.Equal(t, 1.0, pose.Yaw)
	assert.Equal(t, []EventType{EventTypeConnected, EventTypeEntityJoined}, rec.types())

	require.NoError(t, viewer.Close())
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestClient_RejectedPublisher(t *testing.T) {
	serverConfig := server.DefaultServerConfig()
	serverConfig.Ghosts.Count = 0
	serverConfig.PublishToken = "secret"
	relay, err := server.NewServer(serverConfig, log.NewNop())
	require.NoError(t, err)

	hs := httptest.NewServer(relay.Handler())
	defer hs.Close()

	config := testConfig(hostOf(hs))
	config.Path = "/publish"
	config.PublishToken = "wrong"
	c := newTestClient(t, config)

	err = c.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
	require.False(t, c.IsConnected())
}

func TestClient_DisconnectClearsRegistry(t *testing.T) {
	id := uuid.New()
	link := protocol.DefaultConfig()
	upgrader := websocket.NewUpgrader(link)

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Upgrade(upgrader, w, r, link, nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, conn.SendFrames([]protocol.Frame{
			protocol.JoinFrame(id),
			protocol.SnapshotFrame(id, interpolation.Snapshot{ServerTime: 1}),
		}))
		_ = conn.Close()
	}))
	defer hs.Close()

	c := newTestClient(t, testConfig(hostOf(hs)))
	rec := &eventRecorder{}
	rec.record(c, EventTypeEntityJoined, EventTypeEntityLeft, EventTypeDisconnected)

	require.NoError(t, c.Connect(context.Background()))

	err := c.Run(context.Background())
	require.Error(t, err)
	require.False(t, c.IsConnected())
	require.Zero(t, c.Registry().Len())
	require.Equal(t, []EventType{
		EventTypeEntityJoined,
		EventTypeEntityLeft,
		EventTypeDisconnected,
	}, rec.types())
}

func TestClient_Reconnect(t *testing.T) {
	id := uuid.New()
	link := protocol.DefaultConfig()
	upgrader := websocket.NewUpgrader(link)
	var connections atomic.Int32

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Upgrade(upgrader, w, r, link, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		// First link drops right away, the second one stays up
		if connections.Add(1) == 1 {
			return
		}
		assert.NoError(t, conn.SendFrames([]protocol.Frame{protocol.JoinFrame(id)}))
		for {
			if _, err := conn.Receive(context.Background()); err != nil {
				return
			}
		}
	}))
	defer hs.Close()

	config := testConfig(hostOf(hs))
	config.MaxReconnectAttempts = 3
	c := newTestClient(t, config)
	rec := &eventRecorder{}
	rec.record(c, EventTypeConnected, EventTypeDisconnected, EventTypeReconnecting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Registry().Has(id) }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), c.Stats().Reconnects)
	require.Equal(t, []EventType{
		EventTypeConnected,
		EventTypeDisconnected,
		EventTypeReconnecting,
		EventTypeConnected,
	}, rec.types())

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	link := protocol.DefaultConfig()
	upgrader := websocket.NewUpgrader(link)
	var accepting atomic.Bool
	accepting.Store(true)

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accepting.Swap(false) {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Upgrade(upgrader, w, r, link, nil)
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	}))
	defer hs.Close()

	config := testConfig(hostOf(hs))
	config.MaxReconnectAttempts = 2
	c := newTestClient(t, config)

	require.NoError(t, c.Connect(context.Background()))
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectFailed)
	require.Zero(t, c.Stats().Reconnects)
}

func TestClient_RenderLoop(t *testing.T) {
	c := newTestClient(t, DefaultClientConfig())

	id := uuid.New()
	c.HandleFrames([]protocol.Frame{
		protocol.SnapshotFrame(id, interpolation.Snapshot{Position: interpolation.Vec3{Y: 3}, ServerTime: 10}),
	})

	var frames atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.RenderLoop(ctx, 200, func(got uuid.UUID, pose interpolation.Pose, mode interpolation.Mode) {
			if got == id && pose.Position.Y == 3 && mode != interpolation.ModeNone {
				frames.Add(1)
			}
		})
	}()

	require.Eventually(t, func() bool { return frames.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestClient_RenderLoopInvalidRate(t *testing.T) {
	config := DefaultClientConfig()
	config.RenderRate = 0
	c := newTestClient(t, config)

	err := c.RenderLoop(context.Background(), 0, func(uuid.UUID, interpolation.Pose, interpolation.Mode) {})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClient_ExpireStale(t *testing.T) {
	clock := interpolation.NewManualClock(1000)
	config := DefaultClientConfig()
	config.StaleAfter = time.Second
	c := newTestClient(t, config, registry.WithClock(clock))

	rec := &eventRecorder{}
	rec.record(c, EventTypeEntityLeft)

	gone, live := uuid.New(), uuid.New()
	c.HandleFrames([]protocol.Frame{
		protocol.SnapshotFrame(gone, interpolation.Snapshot{ServerTime: 10}),
		protocol.SnapshotFrame(live, interpolation.Snapshot{ServerTime: 10}),
	})

	clock.Advance(800)
	c.HandleFrames([]protocol.Frame{protocol.SnapshotFrame(live, interpolation.Snapshot{ServerTime: 810})})
	require.Zero(t, c.ExpireStale())

	// The leave for gone never arrived
	clock.Advance(400)
	require.Equal(t, 1, c.ExpireStale())
	require.False(t, c.Registry().Has(gone))
	require.True(t, c.Registry().Has(live))
	require.Equal(t, []EventType{EventTypeEntityLeft}, rec.types())
	require.Equal(t, uint64(1), c.Stats().Expired)

	config.StaleAfter = 0
	require.Zero(t, newTestClient(t, config).ExpireStale())
}
