package server

import (
	"fmt"
	"time"

	"github.com/zeusync/ghostline/internal/core/protocol"
)

// Config holds relay server configuration
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`
	// QUICAddr enables the datagram endpoint when set
	QUICAddr       string `yaml:"quic_addr"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	MaxSubscribers int    `yaml:"max_subscribers"`

	// TickRate is how many snapshot batches per second go out
	TickRate int `yaml:"tick_rate"`
	// SendQueueSize is the per-subscriber backlog in ticks before frames drop
	SendQueueSize int `yaml:"send_queue_size"`

	// PublishToken guards /publish when non-empty
	PublishToken string `yaml:"publish_token"`
	// StaleAfter drops published entities that stopped updating
	StaleAfter time.Duration `yaml:"stale_after"`

	Ghosts GhostConfig `yaml:"ghosts"`

	Transport protocol.Config `yaml:"transport"`
}

// GhostConfig shapes the scripted demo entities
type GhostConfig struct {
	Count  int     `yaml:"count"`
	Radius float64 `yaml:"radius"`
	// Speed is angular speed in radians per second
	Speed   float64 `yaml:"speed"`
	Spacing float64 `yaml:"spacing"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		QUICAddr:       "",
		MaxSubscribers: 1_000,
		TickRate:       20,
		SendQueueSize:  8,
		StaleAfter:     2 * time.Second,
		Ghosts: GhostConfig{
			Count:   4,
			Radius:  5,
			Speed:   1,
			Spacing: 15,
		},
		Transport: protocol.DefaultConfig(),
	}
}

// TickInterval is the time between outgoing batches
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	case c.TickRate <= 0 || c.TickRate > 1000:
		return fmt.Errorf("%w: tick_rate %d outside (0, 1000]", ErrInvalidConfig, c.TickRate)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: send_queue_size must be positive", ErrInvalidConfig)
	case c.MaxSubscribers < 0:
		return fmt.Errorf("%w: max_subscribers must not be negative", ErrInvalidConfig)
	case c.StaleAfter < 0:
		return fmt.Errorf("%w: stale_after must not be negative", ErrInvalidConfig)
	case c.Ghosts.Count < 0:
		return fmt.Errorf("%w: ghosts.count must not be negative", ErrInvalidConfig)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return fmt.Errorf("%w: cert_file and key_file go together", ErrInvalidConfig)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
