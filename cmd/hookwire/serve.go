package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hookwire/hookwire/internal/config"
	"github.com/hookwire/hookwire/internal/control"
	"github.com/hookwire/hookwire/internal/filter"
	"github.com/hookwire/hookwire/internal/injector"
	"github.com/hookwire/hookwire/internal/pipeline"
	"github.com/hookwire/hookwire/internal/ratelimit"
	"github.com/hookwire/hookwire/internal/secrets"
	"github.com/hookwire/hookwire/internal/server"
	"github.com/hookwire/hookwire/internal/sessionwatch"
	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/tunnel"
)

var startTunnel bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&startTunnel, "tunnel", false, "start the cloudflared tunnel at boot (mode from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	support, err := config.AppSupportDir()
	if err != nil {
		return err
	}

	engine := filter.New(cfg.JQPath, cfg.JQTimeout)
	inj := injector.New(cfg.SessionSocketDir, cfg.InjectTimeout)
	pipe := pipeline.New(store, engine, inj)
	watcher := sessionwatch.New(cfg.SessionSocketDir)
	limiter := ratelimit.New(cfg.RateLimit.Cap, cfg.RateLimit.Window)
	vault := secrets.New(filepath.Join(support, "secrets"))
	tun := tunnel.NewSupervisor(support, cfg.Tunnel.ConfigPath, cfg.Port, vault)

	notifier := control.NewNotifier()
	registry := control.NewRegistry(store, tun, cfg.Port)
	srv := server.New(cfg.Port, pipe, registry, notifier, limiter)

	if startTunnel {
		mode := tunnel.Mode(cfg.Tunnel.Mode)
		if err := tun.Start(ctx, mode); err != nil {
			log.Printf("tunnel startup failed, continuing without: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		pipe.RunDrainLoop(gctx, watcher.Events())
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		notifier.Run(gctx, store, tun)
		return nil
	})
	g.Go(func() error {
		runRetentionSweep(gctx, store, cfg.RetentionDays)
		return nil
	})

	log.Printf("hookwire listening on 127.0.0.1:%d (db %s, sessions %s)",
		cfg.Port, cfg.DBPath, cfg.SessionSocketDir)

	err = g.Wait()

	// Shutdown order: the HTTP server and watcher are already down when
	// the group returns; the tunnel child and the store go last.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := tun.Stop(stopCtx); stopErr != nil {
		log.Printf("stopping tunnel: %v", stopErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runRetentionSweep prunes old audit events once at boot and then daily.
func runRetentionSweep(ctx context.Context, store *storage.Store, retentionDays int) {
	sweep := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		n, err := store.PruneEventsOlderThan(ctx, cutoff)
		if err != nil {
			log.Printf("retention sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("retention sweep: pruned %d events older than %d days", n, retentionDays)
		}
	}

	sweep()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
