// Package config loads the YAML document shared by the relay and viewer
// binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/server"
	"github.com/zeusync/ghostline/sdk/go/client"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the root of a ghostline configuration file. The interpolation
// section tunes the viewer and overrides client.interpolation.
type Config struct {
	Log           LogConfig            `yaml:"log"`
	Server        server.Config        `yaml:"server"`
	Client        client.Config        `yaml:"client"`
	Interpolation interpolation.Config `yaml:"interpolation"`
}

// Default returns a configuration where every section holds its defaults
func Default() Config {
	return Config{
		Log:           LogConfig{Level: log.LevelInfo.String()},
		Server:        server.DefaultServerConfig(),
		Client:        client.DefaultClientConfig(),
		Interpolation: interpolation.DefaultConfig(),
	}
}

// Load reads path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		cfg.apply()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := LoadYAML(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadYAML decodes a document on top of Default, so omitted keys keep their
// default values.
func LoadYAML(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}

	cfg.apply()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply() {
	c.Client.Interpolation = c.Interpolation
}

// LogLevel resolves the configured level, falling back to info
func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

func (c Config) Validate() error {
	if err := c.Interpolation.Validate(); err != nil {
		return fmt.Errorf("%w: interpolation: %w", ErrInvalidConfig, err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("%w: server: %w", ErrInvalidConfig, err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("%w: client: %w", ErrInvalidConfig, err)
	}
	return nil
}
