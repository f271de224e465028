package interpolation

import "fmt"

// Vec3 is a position in world units.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

func (v Vec3) Scale(k float64) Vec3 { return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k} }

// Lerp blends component-wise from v towards o.
func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	return Vec3{
		X: v.X + (o.X-v.X)*t,
		Y: v.Y + (o.Y-v.Y)*t,
		Z: v.Z + (o.Z-v.Z)*t,
	}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", v.X, v.Y, v.Z)
}

// Snapshot is one authoritative update for a remote entity as decoded from the
// wire. ServerTime is in milliseconds; zero means the sender had no clock.
type Snapshot struct {
	Position   Vec3
	Yaw        float64
	ServerTime uint64
}

// Pose is the smoothed state handed to a renderer.
type Pose struct {
	Position Vec3
	Yaw      float64
}

// bufferedSnapshot lives in the local clock domain.
type bufferedSnapshot struct {
	position Vec3
	yaw      float64
	time     float64
}

// Mode reports which branch produced a sample.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeSnap
	ModeInterpolated
	ModeExtrapolated
	ModeHeld
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSnap:
		return "snap"
	case ModeInterpolated:
		return "interpolated"
	case ModeExtrapolated:
		return "extrapolated"
	case ModeHeld:
		return "held"
	default:
		return "unknown"
	}
}

// Stats counts what an interpolator has done since construction or the last
// Reset.
type Stats struct {
	Pushes       uint64
	Evictions    uint64
	Pruned       uint64
	Snapped      uint64
	Interpolated uint64
	Extrapolated uint64
	Held         uint64
	Empty        uint64
}

func (s *Stats) record(m Mode) {
	switch m {
	case ModeNone:
		s.Empty++
	case ModeSnap:
		s.Snapped++
	case ModeInterpolated:
		s.Interpolated++
	case ModeExtrapolated:
		s.Extrapolated++
	case ModeHeld:
		s.Held++
	}
}
