package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *interpolation.ManualClock) {
	t.Helper()
	clock := interpolation.NewManualClock(1000)
	opts = append([]Option{WithClock(clock)}, opts...)
	r, err := New(interpolation.DefaultConfig(), log.NewNop(), opts...)
	require.NoError(t, err)
	return r, clock
}

func TestRegistry_JoinLeave(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	var joined, left []uuid.UUID
	r.OnJoin(func(id uuid.UUID) { joined = append(joined, id) })
	r.OnLeave(func(id uuid.UUID) { left = append(left, id) })

	require.True(t, r.Join(id))
	require.True(t, r.Has(id))
	require.Equal(t, 1, r.Len())

	_, mode, ok := r.Sample(id)
	require.False(t, ok, "joined but no data yet")
	require.Equal(t, interpolation.ModeNone, mode)

	require.True(t, r.Leave(id))
	require.False(t, r.Leave(id))
	require.False(t, r.Has(id))

	require.Equal(t, []uuid.UUID{id}, joined)
	require.Equal(t, []uuid.UUID{id}, left)
}

func TestRegistry_PushCreatesLazily(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	var joins atomic.Int32
	r.OnJoin(func(uuid.UUID) { joins.Add(1) })

	want := interpolation.Vec3{X: 1, Y: 2, Z: 3}
	r.Push(id, interpolation.Snapshot{Position: want, Yaw: 0.5, ServerTime: 10})
	r.Push(id, interpolation.Snapshot{Position: want, Yaw: 0.5, ServerTime: 60})

	require.Equal(t, int32(1), joins.Load())
	pose, mode, ok := r.Sample(id)
	require.True(t, ok)
	require.Equal(t, interpolation.ModeHeld, mode)
	require.Equal(t, want, pose.Position)

	_, _, ok = r.Sample(uuid.New())
	require.False(t, ok)
}

func TestRegistry_RejoinResets(t *testing.T) {
	r, clock := newTestRegistry(t)
	id := uuid.New()

	r.Push(id, interpolation.Snapshot{ServerTime: 500})
	stats, ok := r.Stats(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), stats.Pushes)

	require.False(t, r.Join(id), "existing entity is reused")
	stats, _ = r.Stats(id)
	require.Zero(t, stats.Pushes)

	clock.Advance(250)
	r.Push(id, interpolation.Snapshot{Position: interpolation.Vec3{X: 4}, ServerTime: 500})
	pose, mode, ok := r.Sample(id)
	require.True(t, ok)
	require.Equal(t, interpolation.ModeSnap, mode)
	require.Equal(t, 4.0, pose.Position.X)
}

func TestRegistry_Reset(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()

	require.False(t, r.Reset(id))

	r.Push(id, interpolation.Snapshot{})
	require.True(t, r.Reset(id))
	_, _, ok := r.Sample(id)
	require.False(t, ok)
	require.True(t, r.Has(id), "reset keeps the entity tracked")
}

func TestRegistry_SampleAll(t *testing.T) {
	r, _ := newTestRegistry(t, WithShards(3))

	ids := make(map[uuid.UUID]float64)
	for i := 0; i < 20; i++ {
		id := uuid.New()
		ids[id] = float64(i)
		r.Push(id, interpolation.Snapshot{Position: interpolation.Vec3{X: float64(i)}})
	}
	idle := uuid.New()
	r.Join(idle)

	seen := make(map[uuid.UUID]float64)
	r.SampleAll(func(id uuid.UUID, pose interpolation.Pose, mode interpolation.Mode) {
		assert.Equal(t, interpolation.ModeSnap, mode)
		seen[id] = pose.Position.X
	})

	require.Equal(t, ids, seen)
	require.Len(t, r.IDs(), 21)
}

func TestRegistry_Clear(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		r.Join(uuid.New())
	}

	var left atomic.Int32
	r.OnLeave(func(uuid.UUID) { left.Add(1) })

	r.Clear()
	require.Zero(t, r.Len())
	require.Equal(t, int32(5), left.Load())
}

func TestRegistry_InvalidConfig(t *testing.T) {
	cfg := interpolation.DefaultConfig()
	cfg.IntervalMs = 0
	r, err := New(cfg, nil)
	require.ErrorIs(t, err, interpolation.ErrInvalidConfig)
	require.Nil(t, r)
}

func TestRegistry_ConcurrentPushAndSample(t *testing.T) {
	r, clock := newTestRegistry(t, WithShards(4))

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			for tick := uint64(1); tick <= 500; tick++ {
				r.Push(id, interpolation.Snapshot{
					Position:   interpolation.Vec3{X: float64(tick)},
					ServerTime: tick * 50,
				})
				clock.Advance(0.1)
			}
		}(id)
	}

	var renderWG sync.WaitGroup
	renderWG.Add(1)
	go func() {
		defer renderWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.SampleAll(func(uuid.UUID, interpolation.Pose, interpolation.Mode) {})
			}
		}
	}()

	wg.Wait()
	close(stop)
	renderWG.Wait()

	require.Equal(t, len(ids), r.Len())
	for _, id := range ids {
		stats, ok := r.Stats(id)
		require.True(t, ok)
		require.Equal(t, uint64(500), stats.Pushes)
	}
}

func TestRegistry_Expire(t *testing.T) {
	r, clock := newTestRegistry(t)

	var left []uuid.UUID
	r.OnLeave(func(id uuid.UUID) { left = append(left, id) })

	stale, fresh, empty := uuid.New(), uuid.New(), uuid.New()
	r.Push(stale, interpolation.Snapshot{ServerTime: 100})
	r.Join(empty)

	clock.Advance(2000)
	r.Push(fresh, interpolation.Snapshot{ServerTime: 100})

	clock.Advance(500)
	require.Zero(t, r.Expire(3000))
	require.Equal(t, 1, r.Expire(1000))

	require.Equal(t, []uuid.UUID{stale}, left)
	require.False(t, r.Has(stale))
	require.True(t, r.Has(fresh))
	require.True(t, r.Has(empty), "entities without data are kept")
}
