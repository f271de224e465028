package client

import (
	"fmt"
	"time"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

// Config holds configuration for the client
type Config struct {
	// Connection settings
	ServerAddr string `yaml:"server_addr"`
	// Path selects the endpoint, /ws to view or /publish to publish
	Path      string `yaml:"path"`
	QUICAddr  string `yaml:"quic_addr"`
	Transport string `yaml:"transport"`
	// Insecure skips QUIC certificate checks against self-signed relays
	Insecure     bool   `yaml:"insecure"`
	PublishToken string `yaml:"publish_token"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// StaleAfter drops entities that received no snapshot for this long,
	// covering leave frames lost on the way. Zero disables expiry.
	StaleAfter time.Duration `yaml:"stale_after"`

	// RenderRate is the default RenderLoop frequency in Hz
	RenderRate int `yaml:"render_rate"`

	Link          protocol.Config      `yaml:"link"`
	Interpolation interpolation.Config `yaml:"interpolation"`
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:           "127.0.0.1:8080",
		Path:                 "/ws",
		Transport:            string(protocol.TransportWS),
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 5,
		StaleAfter:           3 * time.Second,
		RenderRate:           60,
		Link:                 protocol.DefaultConfig(),
		Interpolation:        interpolation.DefaultConfig(),
	}
}

// TransportType resolves the configured transport name
func (c Config) TransportType() (protocol.TransportType, error) {
	return protocol.ParseTransport(c.Transport)
}

// URL is the websocket endpoint
func (c Config) URL() string {
	return "ws://" + c.ServerAddr + c.Path
}

// Validate checks the configuration
func (c Config) Validate() error {
	transport, err := c.TransportType()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch {
	case transport == protocol.TransportWS && c.ServerAddr == "":
		return fmt.Errorf("%w: server_addr is required for websocket", ErrInvalidConfig)
	case transport == protocol.TransportQUIC && c.QUICAddr == "":
		return fmt.Errorf("%w: quic_addr is required for quic", ErrInvalidConfig)
	case c.ConnectTimeout < 0 || c.ReconnectInterval < 0 || c.StaleAfter < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	case c.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalidConfig)
	case c.RenderRate < 0:
		return fmt.Errorf("%w: render_rate must not be negative", ErrInvalidConfig)
	}

	if err = c.Link.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err = c.Interpolation.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
