package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/ghostline/internal/config"
	"github.com/zeusync/ghostline/internal/injector"
	"github.com/zeusync/ghostline/internal/core/observability/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listen := flag.String("listen", "", "override server.listen_addr")
	quicAddr := flag.String("quic", "", "override server.quic_addr")
	ghosts := flag.Int("ghosts", -1, "override server.ghosts.count")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *quicAddr != "" {
		cfg.Server.QUICAddr = *quicAddr
	}
	if *ghosts >= 0 {
		cfg.Server.Ghosts.Count = *ghosts
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := injector.InitializeServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating server:", err)
		os.Exit(1)
	}

	logger := log.Provide()
	defer func() { _ = logger.Sync() }()

	if err = srv.Run(ctx); err != nil {
		logger.Error("Server stopped", log.Error(err))
		os.Exit(1)
	}
}
