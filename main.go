package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/m-labs/artiq-coredevice-session/board"
	"github.com/m-labs/artiq-coredevice-session/config"
	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/diagnostics"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcqueue"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/supervisor"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	boardName := flag.String("board", "artiq-coredevice", "Board identity string reported to Ident requests")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := corelog.New(cfg.Log.BufferLines)
	log.AddHook(logger.Hook())

	log.Infof("Starting session controller v%s", Version)
	log.Infof("  Listen port: %d", cfg.Listen.Port)
	log.Infof("  Store path: %s", cfg.Store.Path)
	log.Infof("  Diagnostics port: %d", cfg.Diagnostics.Port)

	if err := os.MkdirAll(cfg.Store.Path, 0755); err != nil {
		log.Fatalf("Failed to create store directory: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	cong := congress.New()

	sup := supervisor.New(supervisor.Deps{
		Congress:         cong,
		Store:            configstore.New(cfg.Store.Path),
		Logger:           logger,
		Clock:            rtioclock.Always(),
		Ident:            board.NewStatic(*boardName),
		CPU:              kernelcpu.NullCPU{},
		Mailbox:          mailbox.New(),
		RPCQueue:         rpcqueue.New(64),
		WatchdogCapacity: cfg.Watchdog.Capacity,
	})

	// errgroup ties the supervisor's accept loop and the diagnostics HTTP
	// server to a shared lifetime: either one failing cancels the other,
	// and shutdown waits for both to actually stop.
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Diagnostics.Port != 0 {
		diag := diagnostics.New(cong, logger, Version)
		g.Go(func() error {
			if err := diag.Run(gctx, cfg.Diagnostics.Port); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := sup.Run(gctx, cfg.Listen.Port); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("session controller error: %v", err)
	}
}
