package server

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

// EntityState is the pose of one entity at the current tick
type EntityState struct {
	ID       uuid.UUID
	Position interpolation.Vec3
	Yaw      float64
}

// Source produces entity poses once per tick. An entity missing from a
// poll that was present in the previous one has left.
type Source interface {
	Name() string
	Poll(elapsed time.Duration) []EntityState
}

// ResetSource is implemented by sources whose entities can teleport.
type ResetSource interface {
	DrainResets() []uuid.UUID
}

var ghostNamespace = uuid.MustParse("6f1c2a86-4c9e-4f5e-9a63-0d8b6a4f2e11")

// GhostID is the stable id of the i-th ghost
func GhostID(i int) uuid.UUID {
	return uuid.NewSHA1(ghostNamespace, []byte(fmt.Sprintf("ghost-%d", i)))
}

// GhostSource walks scripted entities around circles on the XZ plane
type GhostSource struct {
	config GhostConfig
	ids    []uuid.UUID
}

func NewGhostSource(config GhostConfig) *GhostSource {
	ids := make([]uuid.UUID, config.Count)
	for i := range ids {
		ids[i] = GhostID(i)
	}
	return &GhostSource{config: config, ids: ids}
}

func (g *GhostSource) Name() string { return "ghosts" }

func (g *GhostSource) Poll(elapsed time.Duration) []EntityState {
	states := make([]EntityState, len(g.ids))
	for i, id := range g.ids {
		states[i] = EntityState{ID: id}
		states[i].Position, states[i].Yaw = g.pose(i, elapsed)
	}
	return states
}

func (g *GhostSource) pose(i int, elapsed time.Duration) (interpolation.Vec3, float64) {
	phase := 2 * math.Pi * float64(i) / float64(len(g.ids))
	a := phase + g.config.Speed*elapsed.Seconds()

	center := interpolation.Vec3{X: float64(i) * g.config.Spacing}
	pos := center.Add(interpolation.Vec3{
		X: g.config.Radius * math.Cos(a),
		Z: g.config.Radius * math.Sin(a),
	})

	// Facing along the tangent of travel
	heading := a + math.Pi/2
	if g.config.Speed < 0 {
		heading = a - math.Pi/2
	}
	return pos, interpolation.NormalizeAngle(heading)
}

type published struct {
	state EntityState
	owner string
	seen  time.Time
}

// PublisherSource collects poses that clients push over /publish
type PublisherSource struct {
	mx         sync.Mutex
	entities   map[uuid.UUID]*published
	resets     []uuid.UUID
	staleAfter time.Duration
	now        func() time.Time
}

func NewPublisherSource(staleAfter time.Duration) *PublisherSource {
	return &PublisherSource{
		entities:   make(map[uuid.UUID]*published),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (p *PublisherSource) Name() string { return "publishers" }

// Apply records frames received from the publisher identified by owner.
// Publisher server times are ignored, the relay stamps its own.
func (p *PublisherSource) Apply(owner string, frames []protocol.Frame) {
	now := p.now()

	p.mx.Lock()
	defer p.mx.Unlock()

	for _, f := range frames {
		switch f.Type {
		case protocol.MessageTypeSnapshot:
			e, ok := p.entities[f.Entity]
			if !ok {
				e = &published{owner: owner}
				p.entities[f.Entity] = e
			}
			e.state = EntityState{ID: f.Entity, Position: f.Snapshot.Position, Yaw: f.Snapshot.Yaw}
			e.owner = owner
			e.seen = now
		case protocol.MessageTypeLeave:
			if e, ok := p.entities[f.Entity]; ok && e.owner == owner {
				delete(p.entities, f.Entity)
			}
		case protocol.MessageTypeReset:
			if e, ok := p.entities[f.Entity]; ok && e.owner == owner {
				p.resets = append(p.resets, f.Entity)
			}
		}
	}
}

// DropOwner forgets every entity published by owner
func (p *PublisherSource) DropOwner(owner string) int {
	p.mx.Lock()
	defer p.mx.Unlock()

	n := 0
	for id, e := range p.entities {
		if e.owner == owner {
			delete(p.entities, id)
			n++
		}
	}
	return n
}

func (p *PublisherSource) Poll(time.Duration) []EntityState {
	now := p.now()

	p.mx.Lock()
	defer p.mx.Unlock()

	states := make([]EntityState, 0, len(p.entities))
	for id, e := range p.entities {
		if p.staleAfter > 0 && now.Sub(e.seen) > p.staleAfter {
			delete(p.entities, id)
			continue
		}
		states = append(states, e.state)
	}

	slices.SortFunc(states, func(a, b EntityState) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return states
}

func (p *PublisherSource) DrainResets() []uuid.UUID {
	p.mx.Lock()
	defer p.mx.Unlock()

	resets := p.resets
	p.resets = nil
	return resets
}

func (p *PublisherSource) Len() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.entities)
}
