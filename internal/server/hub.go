package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

// subscriber owns the write side of one viewer connection. Ticks are queued
// and written by a dedicated goroutine so a slow viewer never stalls the
// tick loop.
type subscriber struct {
	conn    protocol.Connection
	queue   chan []protocol.Frame
	dropped atomic.Uint64
	logger  log.Log

	// pending holds control frames of dropped ticks, sent ahead of the next
	// tick that fits
	mx      sync.Mutex
	pending []protocol.Frame
}

// enqueue queues one tick. When the queue is full only the snapshots are
// lost; joins, resets and leaves are kept for the next attempt.
func (s *subscriber) enqueue(frames []protocol.Frame) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	out := frames
	if len(s.pending) > 0 {
		out = make([]protocol.Frame, 0, len(s.pending)+len(frames))
		out = append(append(out, s.pending...), frames...)
	}
	if len(out) == 0 {
		return true
	}

	select {
	case s.queue <- out:
		s.pending = nil
		return true
	default:
		control, _ := protocol.SplitControl(frames)
		s.pending = append(s.pending, control...)
		s.dropped.Add(1)
		return false
	}
}

func (s *subscriber) pendingLen() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending)
}

// run writes queued frames until ctx is done or a write fails
func (s *subscriber) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frames := <-s.queue:
			if err := s.conn.SendFrames(frames); err != nil {
				return err
			}
		}
	}
}

// Hub tracks subscribers and fans tick output out to them
type Hub struct {
	mx        sync.RWMutex
	subs      map[string]*subscriber
	max       int
	queueSize int
	dropped   atomic.Uint64
	logger    log.Log
}

func NewHub(maxSubscribers, queueSize int, logger log.Log) *Hub {
	return &Hub{
		subs:      make(map[string]*subscriber),
		max:       maxSubscribers,
		queueSize: queueSize,
		logger:    logger,
	}
}

// Add registers conn and queues initial ahead of any broadcast
func (h *Hub) Add(conn protocol.Connection, initial []protocol.Frame) (*subscriber, error) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if h.max > 0 && len(h.subs) >= h.max {
		return nil, ErrMaxClientsReached
	}

	sub := &subscriber{
		conn:   conn,
		queue:  make(chan []protocol.Frame, h.queueSize),
		logger: h.logger.With(log.String("subscriber_id", conn.ID())),
	}
	if len(initial) > 0 {
		sub.enqueue(initial)
	}
	h.subs[conn.ID()] = sub

	h.logger.Info("Subscriber added",
		log.String("subscriber_id", conn.ID()),
		log.String("transport", string(conn.Transport())),
		log.Int("total_subscribers", len(h.subs)))

	return sub, nil
}

func (h *Hub) Remove(id string) bool {
	h.mx.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	total := len(h.subs)
	h.mx.Unlock()

	if ok {
		h.logger.Info("Subscriber removed",
			log.String("subscriber_id", id),
			log.Uint64("dropped_ticks", sub.dropped.Load()),
			log.Int("total_subscribers", total))
	}
	return ok
}

// Broadcast queues frames for every subscriber. Subscribers with a full
// queue miss the snapshots of this tick. An empty tick still flushes control
// frames held back from earlier drops.
func (h *Hub) Broadcast(frames []protocol.Frame) {
	h.mx.RLock()
	defer h.mx.RUnlock()

	for id, sub := range h.subs {
		if !sub.enqueue(frames) {
			h.dropped.Add(1)
			h.logger.Warn("Send queue full, dropping snapshots",
				log.String("subscriber_id", id),
				log.Int("pending_control", sub.pendingLen()))
		}
	}
}

func (h *Hub) Len() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// CloseAll closes every subscriber connection
func (h *Hub) CloseAll() {
	h.mx.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mx.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}
}
