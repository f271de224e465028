//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/ghostline/internal/config"
	"github.com/zeusync/ghostline/internal/server"
	"github.com/zeusync/ghostline/sdk/go/client"
)

func InitializeServer(cfg config.Config) (*server.Server, error) {
	wire.Build(ServerSet)
	return nil, nil
}

func InitializeClient(cfg config.Config) (*client.Client, error) {
	wire.Build(ClientSet)
	return nil, nil
}
