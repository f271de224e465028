// Package interpolation smooths discrete, jittery network snapshots of a remote
// entity into a continuous pose that can be sampled every render frame.
//
// An Interpolator is not safe for concurrent use. Push and Sample are expected
// to run on the same goroutine; callers that split networking and rendering
// across goroutines go through registry.Registry, which serializes access.
package interpolation

// Interpolator buffers snapshots for one remote entity.
type Interpolator struct {
	cfg         Config
	renderDelay float64
	clock       Clock

	// ring buffer, oldest entry at head
	buf  []bufferedSnapshot
	head int
	size int

	initialized bool
	calibrated  bool
	offset      float64

	stats Stats
}

type Option func(*Interpolator)

// WithClock replaces the monotonic system clock.
func WithClock(c Clock) Option {
	return func(ip *Interpolator) {
		if c != nil {
			ip.clock = c
		}
	}
}

// New validates cfg and builds an uninitialized interpolator.
func New(cfg Config, opts ...Option) (*Interpolator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Anchor, _ = ParseAnchor(string(cfg.Anchor))

	ip := &Interpolator{
		cfg:         cfg,
		renderDelay: cfg.EffectiveRenderDelay(),
		buf:         make([]bufferedSnapshot, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(ip)
	}
	if ip.clock == nil {
		ip.clock = NewSystemClock()
	}
	return ip, nil
}

// NewWithInterval builds an interpolator with default tuning for a sender that
// updates every intervalMs. Non-positive intervals fall back to the default.
func NewWithInterval(intervalMs float64, opts ...Option) *Interpolator {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	ip, err := New(ConfigForInterval(intervalMs), opts...)
	if err != nil {
		// defaults with a positive interval always validate
		panic(err)
	}
	return ip
}

// Push ingests one snapshot. The first snapshot carrying a server time fixes
// the server-to-local offset for the lifetime of the instance; snapshots
// without one are stamped with their arrival time.
func (ip *Interpolator) Push(s Snapshot) {
	now := ip.clock.NowMillis()

	var t float64
	if s.ServerTime > 0 {
		if !ip.calibrated {
			ip.offset = now - float64(s.ServerTime)
			ip.calibrated = true
		}
		t = float64(s.ServerTime) + ip.offset
	} else {
		t = now
	}

	if ip.size == len(ip.buf) {
		ip.popFront()
		ip.stats.Evictions++
	}
	ip.buf[(ip.head+ip.size)%len(ip.buf)] = bufferedSnapshot{
		position: s.Position,
		yaw:      s.Yaw,
		time:     t,
	}
	ip.size++
	ip.initialized = true
	ip.stats.Pushes++
}

// Sample returns the pose for the current render frame. ok is false until the
// first Push.
func (ip *Interpolator) Sample() (pose Pose, ok bool) {
	mode := ip.SampleInto(&pose)
	return pose, mode != ModeNone
}

// SampleInto writes the current pose into out and reports how it was derived.
// out is left untouched when the result is ModeNone.
func (ip *Interpolator) SampleInto(out *Pose) Mode {
	if !ip.initialized || ip.size == 0 {
		ip.stats.record(ModeNone)
		return ModeNone
	}
	return ip.SampleAt(ip.renderTime(), out)
}

// SampleAt samples at an explicit render time in the local clock domain.
func (ip *Interpolator) SampleAt(renderTime float64, out *Pose) Mode {
	if !ip.initialized || ip.size == 0 {
		ip.stats.record(ModeNone)
		return ModeNone
	}

	mode := ip.sample(renderTime, out)
	ip.prune(renderTime)
	ip.stats.record(mode)
	return mode
}

func (ip *Interpolator) renderTime() float64 {
	if ip.cfg.Anchor == AnchorClock {
		return ip.clock.NowMillis() - ip.renderDelay
	}
	return ip.at(ip.size-1).time - ip.renderDelay
}

func (ip *Interpolator) sample(renderTime float64, out *Pose) Mode {
	if ip.size == 1 {
		only := ip.at(0)
		out.Position, out.Yaw = only.position, only.yaw
		return ModeSnap
	}

	for i := 0; i < ip.size-1; i++ {
		from, to := ip.at(i), ip.at(i+1)
		if from.time <= renderTime && renderTime <= to.time {
			ip.interpolate(from, to, renderTime, out)
			return ModeInterpolated
		}
	}

	oldest, newest := ip.at(0), ip.at(ip.size-1)
	switch {
	case renderTime > newest.time:
		return ip.extrapolate(ip.at(ip.size-2), newest, renderTime, out)
	case renderTime < oldest.time:
		out.Position, out.Yaw = oldest.position, oldest.yaw
		return ModeHeld
	default:
		// only reachable when pushes arrived out of order
		out.Position, out.Yaw = newest.position, newest.yaw
		return ModeHeld
	}
}

func (ip *Interpolator) interpolate(from, to *bufferedSnapshot, renderTime float64, out *Pose) {
	var t float64
	if span := to.time - from.time; span > 0 && span >= ip.cfg.MinSpanMs {
		t = (renderTime - from.time) / span
	}
	out.Position = from.position.Lerp(to.position, t)
	out.Yaw = LerpAngle(from.yaw, to.yaw, t)
}

// extrapolate projects along the velocity of the last two snapshots, at most
// MaxExtrapolationMs past the newest one.
func (ip *Interpolator) extrapolate(prev, last *bufferedSnapshot, renderTime float64, out *Pose) Mode {
	span := last.time - prev.time
	if span <= 0 || span < ip.cfg.MinSpanMs {
		out.Position, out.Yaw = last.position, last.yaw
		return ModeHeld
	}

	ahead := min(renderTime-last.time, ip.cfg.MaxExtrapolationMs)
	k := ahead / span
	out.Position = last.position.Add(last.position.Sub(prev.position).Scale(k))
	out.Yaw = last.yaw + ShortestArc(prev.yaw, last.yaw)*k
	return ModeExtrapolated
}

// prune drops head entries older than one interval before renderTime. At
// least two entries survive, and the head is kept while it still opens the
// bracket around renderTime.
func (ip *Interpolator) prune(renderTime float64) {
	cutoff := renderTime - ip.cfg.IntervalMs
	for ip.size > 2 && ip.at(0).time < cutoff && ip.at(1).time <= renderTime {
		ip.popFront()
		ip.stats.Pruned++
	}
}

// Reset forgets all snapshots and the clock calibration.
func (ip *Interpolator) Reset() {
	clear(ip.buf)
	ip.head, ip.size = 0, 0
	ip.initialized = false
	ip.calibrated = false
	ip.offset = 0
	ip.stats = Stats{}
}

func (ip *Interpolator) Initialized() bool { return ip.initialized }

func (ip *Interpolator) Len() int { return ip.size }

func (ip *Interpolator) Capacity() int { return len(ip.buf) }

func (ip *Interpolator) RenderDelay() float64 { return ip.renderDelay }

func (ip *Interpolator) Config() Config { return ip.cfg }

func (ip *Interpolator) Stats() Stats { return ip.stats }

// Offset returns the server-to-local clock offset once calibrated.
func (ip *Interpolator) Offset() (float64, bool) {
	return ip.offset, ip.calibrated
}

// Newest returns the local-domain time of the newest buffered snapshot.
func (ip *Interpolator) Newest() (float64, bool) {
	if ip.size == 0 {
		return 0, false
	}
	return ip.at(ip.size - 1).time, true
}

// Oldest returns the local-domain time of the oldest buffered snapshot.
func (ip *Interpolator) Oldest() (float64, bool) {
	if ip.size == 0 {
		return 0, false
	}
	return ip.at(0).time, true
}

func (ip *Interpolator) at(i int) *bufferedSnapshot {
	return &ip.buf[(ip.head+i)%len(ip.buf)]
}

func (ip *Interpolator) popFront() {
	ip.buf[ip.head] = bufferedSnapshot{}
	ip.head = (ip.head + 1) % len(ip.buf)
	ip.size--
}
