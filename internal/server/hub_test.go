package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

// fakeConn records what a subscriber writes
type fakeConn struct {
	id string

	mx     sync.Mutex
	sent   [][]protocol.Frame
	closed bool
}

var _ protocol.Connection = (*fakeConn)(nil)

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.NewString()} }

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Transport() protocol.TransportType { return protocol.TransportWS }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *fakeConn) Send([]byte) error { return nil }
func (c *fakeConn) Metrics() protocol.Metrics { return protocol.Metrics{} }
func (c *fakeConn) ReceiveFrames(ctx context.Context) ([]protocol.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) SendFrames(frames []protocol.Frame) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.sent = append(c.sent, frames)
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
	return nil
}

// drain pops every queued tick without blocking
func drain(sub *subscriber) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case frames := <-sub.queue:
			out = append(out, frames...)
		default:
			return out
		}
	}
}

func TestHub_DropsSnapshotsKeepsControl(t *testing.T) {
	hub := NewHub(0, 1, log.NewNop())
	sub, err := hub.Add(newFakeConn(), nil)
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()

	hub.Broadcast([]protocol.Frame{protocol.JoinFrame(a), snapshotAt(a, 1)})
	// Queue is full, these two ticks are dropped
	hub.Broadcast([]protocol.Frame{protocol.JoinFrame(b), snapshotAt(a, 2), snapshotAt(b, 2)})
	hub.Broadcast([]protocol.Frame{protocol.ResetFrame(a), protocol.LeaveFrame(b), snapshotAt(a, 3)})
	require.Equal(t, uint64(2), hub.Dropped())
	require.Equal(t, uint64(2), sub.dropped.Load())
	require.Equal(t, 3, sub.pendingLen())

	require.Equal(t, []protocol.Frame{protocol.JoinFrame(a), snapshotAt(a, 1)}, drain(sub))

	// The next tick that fits carries the held back control frames first
	hub.Broadcast([]protocol.Frame{snapshotAt(a, 4)})
	require.Equal(t, []protocol.Frame{
		protocol.JoinFrame(b),
		protocol.ResetFrame(a),
		protocol.LeaveFrame(b),
		snapshotAt(a, 4),
	}, drain(sub))
	require.Zero(t, sub.pendingLen())
	require.Equal(t, uint64(2), hub.Dropped())
}

func TestHub_EmptyTickFlushesControl(t *testing.T) {
	hub := NewHub(0, 1, log.NewNop())
	sub, err := hub.Add(newFakeConn(), nil)
	require.NoError(t, err)

	id := uuid.New()
	hub.Broadcast([]protocol.Frame{snapshotAt(id, 1)})
	hub.Broadcast([]protocol.Frame{protocol.LeaveFrame(id)})
	drain(sub)

	hub.Broadcast(nil)
	require.Equal(t, []protocol.Frame{protocol.LeaveFrame(id)}, drain(sub))

	// Nothing pending and nothing to send queues nothing
	hub.Broadcast(nil)
	require.Empty(t, drain(sub))
	require.Equal(t, uint64(1), hub.Dropped())
}

func TestHub_AddRemove(t *testing.T) {
	hub := NewHub(1, 4, log.NewNop())
	conn := newFakeConn()

	sub, err := hub.Add(conn, []protocol.Frame{protocol.JoinFrame(uuid.Nil)})
	require.NoError(t, err)
	require.Len(t, drain(sub), 1)

	_, err = hub.Add(newFakeConn(), nil)
	require.ErrorIs(t, err, ErrMaxClientsReached)

	require.True(t, hub.Remove(conn.ID()))
	require.False(t, hub.Remove(conn.ID()))
	require.Zero(t, hub.Len())
}

func TestSubscriber_Run(t *testing.T) {
	hub := NewHub(0, 4, log.NewNop())
	conn := newFakeConn()
	sub, err := hub.Add(conn, nil)
	require.NoError(t, err)

	hub.Broadcast([]protocol.Frame{snapshotAt(uuid.New(), 1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.run(ctx) }()

	require.Eventually(t, func() bool {
		conn.mx.Lock()
		defer conn.mx.Unlock()
		return len(conn.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	hub.CloseAll()
	require.True(t, conn.IsClosed())
	require.Zero(t, hub.Len())
}
