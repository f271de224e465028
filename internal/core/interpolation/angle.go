package interpolation

import "math"

const twoPi = 2 * math.Pi

// NormalizeAngle wraps a into (-π, π].
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return a
	}
	a = math.Mod(a, twoPi)
	if a > math.Pi {
		a -= twoPi
	}
	// also catches a rounding down to exactly -π above
	if a <= -math.Pi {
		a += twoPi
	}
	return a
}

// ShortestArc returns the signed rotation from -> to, in (-π, π].
func ShortestArc(from, to float64) float64 {
	return NormalizeAngle(to - from)
}

// LerpAngle turns from towards to along the shorter direction. The result is
// not normalized so a continuous yaw stream stays continuous.
func LerpAngle(from, to, t float64) float64 {
	return from + ShortestArc(from, to)*t
}
