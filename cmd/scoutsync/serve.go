package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/assetsync"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/config"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/logging"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/api"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/apply"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/capture"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/catchup"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/registry"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/transport"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/scouting"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication node",
	Long: `Run this node's full replication stack:

  - HTTP/WebSocket API for peers and dashboard subscribers
  - per-peer delivery workers draining the replication queue
  - per-peer catch-up pollers repairing missed changes
  - peer health checker
  - asset change watcher (when the manifest exists)

The process runs until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		sink := logging.NewSink(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		defer sink.Close()
		logger := sink.Component("serve")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, entities := openStores(ctx, cfg)
		defer st.Close()

		clock := schema.NewClock()
		capturer := capture.New(st, clock, cfg.Node.ID, sink.Component("capture"))

		engine := apply.NewEngine(st, clock, sink.Component("apply"))
		for _, a := range []apply.EntityApplier{
			scouting.NewTeamApplier(entities),
			scouting.NewMatchApplier(entities),
			scouting.NewEntryApplier(entities),
		} {
			if err := engine.Register(a); err != nil {
				fmt.Fprintf(os.Stderr, "Error registering applier: %v\n", err)
				os.Exit(1)
			}
		}

		reg := registry.NewService(st, registry.Options{
			Interval: cfg.Sync.HealthInterval,
			Timeout:  cfg.Sync.HealthTimeout,
			Logger:   sink.Component("registry"),
		})

		hub := transport.NewHub(engine, scouting.ChangeScopes, sink.Component("transport"))
		hub.Start()
		defer hub.Stop()

		manager := transport.NewManager(st, transport.ManagerOptions{
			PushTimeout: cfg.Sync.PushTimeout,
			MaxRetries:  cfg.Sync.MaxRetries,
			Reachable:   reg.Reachable,
			Logger:      sink.Component("delivery"),
		})
		capturer.SetNotify(manager.Wake)
		capturer.SetPublish(hub.Publish)

		reconciler := catchup.NewReconciler(st, engine,
			catchup.NewHTTPClient(cfg.Node.ID),
			catchup.Options{
				Interval:   cfg.Sync.PollInterval,
				Timeout:    cfg.Sync.PollTimeout,
				MaxBackoff: cfg.Sync.MaxBackoff,
				BatchLimit: cfg.Sync.BatchLimit,
				Logger:     sink.Component("catchup"),
			})

		server := api.NewServer(st, engine, hub, reg, api.Options{
			SelfID:     cfg.Node.ID,
			Addr:       cfg.ListenAddr(),
			BatchLimit: cfg.Sync.BatchLimit,
			Logger:     sink.Component("api"),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting API server: %v\n", err)
			os.Exit(1)
		}
		defer server.Stop()

		logger.Printf("Node %s serving on %s", cfg.Node.ID, server.Addr())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return manager.Run(gctx) })
		g.Go(func() error { return reconciler.Run(gctx) })
		g.Go(func() error { return reg.Run(gctx) })

		if watcher := startAssetWatcher(cfg, sink); watcher != nil {
			defer watcher.Stop()
			g.Go(func() error {
				assetLog := sink.Component("assetsync")
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case ch := <-watcher.Changes():
						assetLog.Printf("Detected change: %s", ch.Rel)
					}
				}
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger.Printf("Node %s stopped", cfg.Node.ID)
	},
}

func startAssetWatcher(cfg *config.Config, sink *logging.Sink) *assetsync.Watcher {
	manifest, err := assetsync.LoadManifest(cfg.Assets.ManifestPath)
	if err != nil {
		// Asset sync is optional; a missing manifest disables it.
		return nil
	}

	watcher, err := assetsync.NewWatcher(".", manifest, sink.Component("assetsync"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: asset watcher disabled: %v\n", err)
		return nil
	}
	watcher.Start()
	return watcher
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
