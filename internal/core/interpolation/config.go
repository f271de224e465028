package interpolation

import (
	"fmt"
	"strings"
)

// Anchor selects what render time is measured back from.
type Anchor string

const (
	// AnchorNewest renders a fixed delay behind the newest buffered snapshot,
	// which makes output insensitive to arrival jitter.
	AnchorNewest Anchor = "newest"
	// AnchorClock renders a fixed delay behind the local clock. Render time
	// keeps moving during a stall, so extrapolation and the freeze after the
	// horizon both engage.
	AnchorClock Anchor = "clock"
)

const (
	DefaultIntervalMs         = 50.0
	DefaultCapacity           = 10
	DefaultMinSpanMs          = 1.0
	DefaultMaxExtrapolationMs = 150.0
)

// Config holds interpolator tuning
type Config struct {
	// IntervalMs is the sender's nominal update interval.
	IntervalMs float64 `yaml:"interval_ms"`
	// RenderDelayMs defaults to twice IntervalMs when zero.
	RenderDelayMs      float64 `yaml:"render_delay_ms"`
	Capacity           int     `yaml:"capacity"`
	MinSpanMs          float64 `yaml:"min_span_ms"`
	MaxExtrapolationMs float64 `yaml:"max_extrapolation_ms"`
	Anchor             Anchor  `yaml:"anchor"`
}

// DefaultConfig matches a 20Hz sender.
func DefaultConfig() Config {
	return Config{
		IntervalMs:         DefaultIntervalMs,
		Capacity:           DefaultCapacity,
		MinSpanMs:          DefaultMinSpanMs,
		MaxExtrapolationMs: DefaultMaxExtrapolationMs,
		Anchor:             AnchorNewest,
	}
}

// ConfigForInterval returns the defaults tuned for a different sender cadence.
func ConfigForInterval(intervalMs float64) Config {
	c := DefaultConfig()
	c.IntervalMs = intervalMs
	return c
}

// EffectiveRenderDelay resolves the derived default.
func (c Config) EffectiveRenderDelay() float64 {
	if c.RenderDelayMs > 0 {
		return c.RenderDelayMs
	}
	return 2 * c.IntervalMs
}

// Validate reports the first setting that would break sampling.
func (c Config) Validate() error {
	switch {
	case c.IntervalMs <= 0:
		return fmt.Errorf("%w: interval_ms must be positive, got %v", ErrInvalidConfig, c.IntervalMs)
	case c.RenderDelayMs < 0:
		return fmt.Errorf("%w: render_delay_ms must not be negative, got %v", ErrInvalidConfig, c.RenderDelayMs)
	case c.Capacity < 2:
		return fmt.Errorf("%w: capacity must be at least 2, got %d", ErrInvalidConfig, c.Capacity)
	case c.MinSpanMs < 0:
		return fmt.Errorf("%w: min_span_ms must not be negative, got %v", ErrInvalidConfig, c.MinSpanMs)
	case c.MaxExtrapolationMs < 0:
		return fmt.Errorf("%w: max_extrapolation_ms must not be negative, got %v", ErrInvalidConfig, c.MaxExtrapolationMs)
	}
	if _, err := ParseAnchor(string(c.Anchor)); err != nil {
		return err
	}
	return nil
}

// ParseAnchor accepts the yaml spelling; empty means AnchorNewest.
func ParseAnchor(s string) (Anchor, error) {
	switch Anchor(strings.ToLower(strings.TrimSpace(s))) {
	case "", AnchorNewest:
		return AnchorNewest, nil
	case AnchorClock:
		return AnchorClock, nil
	default:
		return "", fmt.Errorf("%w: unknown anchor %q", ErrInvalidConfig, s)
	}
}
