package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/ghostline/internal/config"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/registry"
	"github.com/zeusync/ghostline/internal/server"
	"github.com/zeusync/ghostline/sdk/go/client"
)

// LoggerSet builds the process logger from the log section
var LoggerSet = wire.NewSet(ProvideLogger, wire.Bind(new(log.Log), new(*log.Logger)))

// ServerSet wires a relay from a loaded configuration
var ServerSet = wire.NewSet(LoggerSet, ProvideServerConfig, server.NewServer)

// ClientSet wires a viewer from a loaded configuration
var ClientSet = wire.NewSet(LoggerSet, ProvideClientConfig, ProvideRegistryOptions, client.NewClient)

// ProvideLogger returns the process logger at the configured level
func ProvideLogger(cfg config.Config) *log.Logger {
	logger := log.Provide()
	logger.SetLevel(cfg.LogLevel())
	return logger
}

func ProvideServerConfig(cfg config.Config) server.Config {
	return cfg.Server
}

func ProvideClientConfig(cfg config.Config) client.Config {
	c := cfg.Client
	c.Interpolation = cfg.Interpolation
	return c
}

// ProvideRegistryOptions keeps the default system clock and shard count
func ProvideRegistryOptions() []registry.Option {
	return nil
}
