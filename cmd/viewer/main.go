// Command viewer connects to a relay and logs the smoothed pose of every
// entity once per second.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/ghostline/internal/config"
	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/injector"
	"github.com/zeusync/ghostline/sdk/go/client"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "override client.server_addr")
	transport := flag.String("transport", "", "override client.transport (websocket or quic)")
	quicAddr := flag.String("quic", "", "override client.quic_addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Client.ServerAddr = *addr
	}
	if *transport != "" {
		cfg.Client.Transport = *transport
	}
	if *quicAddr != "" {
		cfg.Client.QUICAddr = *quicAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Provide()
	defer func() { _ = logger.Sync() }()

	if err = run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Viewer stopped", log.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger log.Log) error {
	c, err := injector.InitializeClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	c.OnEvent(client.EventTypeEntityReset, func(e client.Event) error {
		logger.Info("Entity respawned", log.Stringer("entity", e.Entity))
		return nil
	})

	if err = c.Connect(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })

	summary := newSummary()
	g.Go(func() error { return c.RenderLoop(ctx, 0, summary.observe) })

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				summary.flush(logger, c.Stats())
			}
		}
	})

	return g.Wait()
}

// summary collects the last pose of each entity between log lines. observe
// runs on the render loop, flush on the log ticker.
type summary struct {
	mx    sync.Mutex
	last  map[uuid.UUID]frame
	modes map[interpolation.Mode]int
}

type frame struct {
	pose interpolation.Pose
	mode interpolation.Mode
}

func newSummary() *summary {
	return &summary{
		last:  make(map[uuid.UUID]frame),
		modes: make(map[interpolation.Mode]int),
	}
}

func (s *summary) observe(id uuid.UUID, pose interpolation.Pose, mode interpolation.Mode) {
	s.mx.Lock()
	s.last[id] = frame{pose: pose, mode: mode}
	s.modes[mode]++
	s.mx.Unlock()
}

func (s *summary) flush(logger log.Log, stats client.Stats) {
	s.mx.Lock()
	defer s.mx.Unlock()

	for id, f := range s.last {
		logger.Info("Entity pose",
			log.Stringer("entity", id),
			log.Stringer("position", f.pose.Position),
			log.Float64("yaw", f.pose.Yaw),
			log.String("mode", f.mode.String()))
	}
	logger.Info("Render summary",
		log.Int("entities", stats.Entities),
		log.Int("interpolated", s.modes[interpolation.ModeInterpolated]),
		log.Int("extrapolated", s.modes[interpolation.ModeExtrapolated]),
		log.Int("held", s.modes[interpolation.ModeHeld]),
		log.Int("snapped", s.modes[interpolation.ModeSnap]),
		log.Uint64("frames_received", stats.FramesReceived),
		log.Uint64("expired", stats.Expired),
		log.Bool("connected", stats.Connected))

	clear(s.last)
	clear(s.modes)
}
