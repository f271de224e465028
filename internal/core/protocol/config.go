package protocol

import (
	"fmt"
	"time"
)

// Config holds transport configuration shared by websocket and QUIC links.
type Config struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	// MaxMessageSize caps a single websocket message. Zero disables the check.
	MaxMessageSize uint32 `yaml:"max_message_size"`
	BufferSize     uint32 `yaml:"buffer_size"`

	EnableCompression bool `yaml:"enable_compression"`

	// MaxDatagramSize bounds QUIC datagrams, so batches are split to fit.
	MaxDatagramSize int `yaml:"max_datagram_size"`

	// QUIC idle and keep-alive timers.
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
}

// DefaultConfig returns sane transport defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:       0,
		WriteTimeout:      5 * time.Second,
		PingInterval:      15 * time.Second,
		MaxMessageSize:    uint32(BatchSize(MaxBatchEntries)),
		BufferSize:        4096,
		EnableCompression: false,
		MaxDatagramSize:   1100,
		IdleTimeout:       30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
	}
}

// Validate checks the config for values no transport can work with.
func (c Config) Validate() error {
	switch {
	case c.ReadTimeout < 0, c.WriteTimeout < 0, c.PingInterval < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	case c.MaxDatagramSize != 0 && c.MaxDatagramSize < BatchSize(1):
		return fmt.Errorf("%w: max_datagram_size %d cannot hold one snapshot", ErrInvalidConfig, c.MaxDatagramSize)
	case c.MaxMessageSize != 0 && int(c.MaxMessageSize) < BatchSize(1):
		return fmt.Errorf("%w: max_message_size %d cannot hold one snapshot", ErrInvalidConfig, c.MaxMessageSize)
	}
	return nil
}

// Metrics are cumulative per-connection counters.
type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	DecodeErrors     uint64
}
