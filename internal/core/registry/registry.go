// Package registry maps remote entity ids to their interpolators.
//
// Every entity lives in one of a fixed number of shards picked by an xxhash of
// its id. Each shard has its own mutex, so a network goroutine pushing
// snapshots and a render goroutine sampling poses only contend when they touch
// the same shard.
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
)

const defaultShardCount = 16

// EntityFunc observes registry membership changes. It is called without any
// shard lock held.
type EntityFunc func(id uuid.UUID)

// SampleFunc receives one sampled entity. It runs under the entity's shard
// lock and must not call back into the registry.
type SampleFunc func(id uuid.UUID, pose interpolation.Pose, mode interpolation.Mode)

type Registry struct {
	cfg    interpolation.Config
	clock  interpolation.Clock
	logger log.Log

	shards []shard

	observersMx sync.RWMutex
	onJoin      []EntityFunc
	onLeave     []EntityFunc
}

type shard struct {
	mx       sync.Mutex
	entities map[uuid.UUID]*interpolation.Interpolator
}

type Option func(*Registry)

// WithShards overrides the shard count. Non-positive values are ignored.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]shard, n)
		}
	}
}

// WithClock makes every interpolator share one clock.
func WithClock(c interpolation.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// New creates an empty registry. cfg is validated once here so that creating
// interpolators later cannot fail.
func New(cfg interpolation.Config, logger log.Log, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger.With(log.String("component", "registry")),
		shards: make([]shard, defaultShardCount),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = interpolation.NewSystemClock()
	}
	for i := range r.shards {
		r.shards[i].entities = make(map[uuid.UUID]*interpolation.Interpolator)
	}

	return r, nil
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	return &r.shards[xxhash.Sum64(id[:])%uint64(len(r.shards))]
}

func (r *Registry) newInterpolator() *interpolation.Interpolator {
	ip, err := interpolation.New(r.cfg, interpolation.WithClock(r.clock))
	if err != nil {
		// cfg was validated in New
		panic(err)
	}
	return ip
}

// OnJoin registers a callback fired when an entity is first tracked.
func (r *Registry) OnJoin(fn EntityFunc) {
	r.observersMx.Lock()
	defer r.observersMx.Unlock()
	r.onJoin = append(r.onJoin, fn)
}

// OnLeave registers a callback fired when an entity is removed.
func (r *Registry) OnLeave(fn EntityFunc) {
	r.observersMx.Lock()
	defer r.observersMx.Unlock()
	r.onLeave = append(r.onLeave, fn)
}

// Join starts tracking id. Joining an id that is already tracked resets its
// interpolator so the slot can be reused for a new logical entity. Reports
// whether a new entry was created.
func (r *Registry) Join(id uuid.UUID) bool {
	sh := r.shardFor(id)

	sh.mx.Lock()
	ip, exists := sh.entities[id]
	if exists {
		ip.Reset()
	} else {
		sh.entities[id] = r.newInterpolator()
	}
	sh.mx.Unlock()

	if exists {
		r.logger.Debug("Entity rejoined, interpolator reset", log.Stringer("entity", id))
		return false
	}
	r.logger.Debug("Entity joined", log.Stringer("entity", id))
	r.notify(r.joinObservers(), id)
	return true
}

// Leave stops tracking id and reports whether it was tracked.
func (r *Registry) Leave(id uuid.UUID) bool {
	sh := r.shardFor(id)

	sh.mx.Lock()
	_, exists := sh.entities[id]
	delete(sh.entities, id)
	sh.mx.Unlock()

	if !exists {
		return false
	}
	r.logger.Debug("Entity left", log.Stringer("entity", id))
	r.notify(r.leaveObservers(), id)
	return true
}

// Reset clears the buffered snapshots and clock calibration of id, typically
// on respawn. Reports whether id was tracked.
func (r *Registry) Reset(id uuid.UUID) bool {
	sh := r.shardFor(id)

	sh.mx.Lock()
	defer sh.mx.Unlock()

	ip, ok := sh.entities[id]
	if ok {
		ip.Reset()
	}
	return ok
}

// Push routes a snapshot to id, tracking it first if needed. Entities are
// created lazily because join notices may be lost on unreliable transports.
func (r *Registry) Push(id uuid.UUID, s interpolation.Snapshot) {
	sh := r.shardFor(id)

	sh.mx.Lock()
	ip, exists := sh.entities[id]
	if !exists {
		ip = r.newInterpolator()
		sh.entities[id] = ip
	}
	ip.Push(s)
	sh.mx.Unlock()

	if !exists {
		r.logger.Debug("Entity tracked on first snapshot", log.Stringer("entity", id))
		r.notify(r.joinObservers(), id)
	}
}

// Sample returns the current pose of id. ok is false for unknown entities and
// for entities that have not received data yet.
func (r *Registry) Sample(id uuid.UUID) (pose interpolation.Pose, mode interpolation.Mode, ok bool) {
	sh := r.shardFor(id)

	sh.mx.Lock()
	defer sh.mx.Unlock()

	ip, exists := sh.entities[id]
	if !exists {
		return pose, interpolation.ModeNone, false
	}
	mode = ip.SampleInto(&pose)
	return pose, mode, mode != interpolation.ModeNone
}

// SampleAll samples every entity that has data. Order is unspecified.
func (r *Registry) SampleAll(fn SampleFunc) {
	var pose interpolation.Pose
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mx.Lock()
		for id, ip := range sh.entities {
			if mode := ip.SampleInto(&pose); mode != interpolation.ModeNone {
				fn(id, pose, mode)
			}
		}
		sh.mx.Unlock()
	}
}

// Stats returns the counters of id's interpolator.
func (r *Registry) Stats(id uuid.UUID) (interpolation.Stats, bool) {
	sh := r.shardFor(id)

	sh.mx.Lock()
	defer sh.mx.Unlock()

	ip, ok := sh.entities[id]
	if !ok {
		return interpolation.Stats{}, false
	}
	return ip.Stats(), true
}

func (r *Registry) Has(id uuid.UUID) bool {
	sh := r.shardFor(id)

	sh.mx.Lock()
	defer sh.mx.Unlock()

	_, ok := sh.entities[id]
	return ok
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mx.Lock()
		n += len(sh.entities)
		sh.mx.Unlock()
	}
	return n
}

// IDs returns a snapshot of the tracked ids.
func (r *Registry) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, r.Len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mx.Lock()
		for id := range sh.entities {
			ids = append(ids, id)
		}
		sh.mx.Unlock()
	}
	return ids
}

// Clear drops every entity, firing leave callbacks for each.
func (r *Registry) Clear() {
	var removed []uuid.UUID
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mx.Lock()
		for id := range sh.entities {
			removed = append(removed, id)
		}
		clear(sh.entities)
		sh.mx.Unlock()
	}

	observers := r.leaveObservers()
	for _, id := range removed {
		r.notify(observers, id)
	}
	if len(removed) > 0 {
		r.logger.Info("Registry cleared", log.Int("entities", len(removed)))
	}
}

// Expire removes entities whose newest snapshot is more than maxAgeMs older
// than the registry clock and fires leave callbacks for them. It recovers
// from leave notices lost on unreliable transports. Entities without data
// are kept. Returns the number removed.
func (r *Registry) Expire(maxAgeMs float64) int {
	cutoff := r.clock.NowMillis() - maxAgeMs

	var removed []uuid.UUID
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mx.Lock()
		for id, ip := range sh.entities {
			if newest, ok := ip.Newest(); ok && newest < cutoff {
				delete(sh.entities, id)
				removed = append(removed, id)
			}
		}
		sh.mx.Unlock()
	}

	observers := r.leaveObservers()
	for _, id := range removed {
		r.logger.Debug("Entity expired", log.Stringer("entity", id))
		r.notify(observers, id)
	}
	return len(removed)
}

func (r *Registry) joinObservers() []EntityFunc {
	r.observersMx.RLock()
	defer r.observersMx.RUnlock()
	return r.onJoin
}

func (r *Registry) leaveObservers() []EntityFunc {
	r.observersMx.RLock()
	defer r.observersMx.RUnlock()
	return r.onLeave
}

func (r *Registry) notify(observers []EntityFunc, id uuid.UUID) {
	for _, fn := range observers {
		fn(id)
	}
}
