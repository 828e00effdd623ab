package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/versemarket/keeperd/pkg/api"
	"github.com/versemarket/keeperd/pkg/chain"
	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/ingest"
	"github.com/versemarket/keeperd/pkg/keeper"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/provider"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/security"
	"github.com/versemarket/keeperd/pkg/storage"
	"github.com/versemarket/keeperd/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a keeper node",
	Long: `Run starts a keeper: it registers in the fleet, ingests the market
feed, campaigns for leadership and serves its assigned markets until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyFlagOverrides(cmd, cfg)
		return runKeeper(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("id", "", "Keeper ID (generated if empty)")
	runCmd.Flags().String("data-dir", "", "Local data directory")
	runCmd.Flags().String("redis", "", "Coordination store address")
	runCmd.Flags().String("listen", "", "Admin API listen address")
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("id"); v != "" {
		cfg.Keeper.ID = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Keeper.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.API.Listen = v
	}
}

func runKeeper(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)

	keeperID := cfg.Keeper.ID
	if keeperID == "" {
		keeperID = "keeper-" + uuid.NewString()[:8]
	}
	if cfg.Keeper.Host == "" {
		cfg.Keeper.Host, _ = os.Hostname()
	}

	fmt.Printf("Starting keeper %s\n", keeperID)
	fmt.Printf("  Coordination store: %s\n", cfg.Store.RedisAddr)
	fmt.Printf("  Provider: %s\n", cfg.Provider.BaseURL)
	fmt.Printf("  Chain RPC: %s\n", cfg.Chain.RPCURL)
	fmt.Printf("  Data directory: %s\n", cfg.Keeper.DataDir)
	fmt.Println()

	// Coordination store.
	store, err := coord.NewRedisStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("connecting to coordination store: %w", err)
	}
	defer store.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	metrics.RegisterComponent("coord", true, "")
	fmt.Println("✓ Coordination store connected")

	// Local persistence.
	local, err := storage.NewBoltStore(cfg.Keeper.DataDir)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer local.Close()

	// Keeper identity for request signing.
	identity, err := security.LoadOrCreate(cfg.Keeper.DataDir, keeperID)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	fmt.Println("✓ Local state and identity loaded")

	// Rate limiting with persisted compliance windows.
	monitor := ratelimit.NewComplianceMonitor(local)
	limiter, err := ratelimit.New(cfg.Limiter, ratelimit.NewAdaptiveBackoff(), monitor)
	if err != nil {
		return fmt.Errorf("configuring rate limiter: %w", err)
	}
	limiter.Start()
	defer limiter.Stop()
	monitor.Start()
	fmt.Printf("✓ Rate limiter started (tier: %s)\n", limiter.Tier())

	// Internal event bus.
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Provider and chain clients.
	providerClient := provider.NewClient(cfg.Provider, limiter, identity)
	updater := chain.NewRPCClient(cfg.Chain, identity)
	metrics.RegisterComponent("provider", true, "")

	// The engine reports failed market work into the node's retry
	// queue; the node does not exist yet, so capture it by reference.
	var node *keeper.Node
	engine := ingest.NewEngine(cfg.Ingest, providerClient, updater, local, broker,
		func(marketID string, err error) { node.ReportWorkError(marketID, err) })
	node = keeper.NewNode(cfg, keeperID, store, broker, local, engine, limiter)

	// Hot markets are refetched through the batching optimizer before
	// each refresh round, grouped so one batch stays within one verse.
	refresher := provider.NewRefresher(cfg.Optimizer, providerClient, limiter, engine.HandleMarket)
	engine.SetHotRefresher(func(ctx context.Context, ids []string) error {
		return refresher.Refresh(ctx, ids, func(id string) string {
			if verse, ok := engine.Verses().VerseOf(id); ok {
				return verse.String()
			}
			return id
		})
	})

	if err := node.Start(); err != nil {
		return fmt.Errorf("starting keeper node: %w", err)
	}
	metrics.RegisterComponent("engine", true, "")
	fmt.Println("✓ Keeper node registered and running")

	// Push stream feeds the engine directly.
	streamCtx, cancelStream := context.WithCancel(context.Background())
	stream := provider.NewStream(cfg.Provider.WSURL, provider.Handlers{
		OnPrice: func(p types.PriceUpdate) {
			// A push frame supersedes whatever the refresher cached.
			refresher.Invalidate(p.MarketID)
			engine.HandlePrice(p)
		},
		OnResolution: engine.HandleResolution,
		OnDispute:    engine.HandleDispute,
	})
	go func() { _ = stream.Run(streamCtx) }()
	fmt.Println("✓ Push stream started")

	// Gauge collection and the admin API.
	collector := metrics.NewCollector(node)
	collector.Start()

	apiServer := api.NewServer(cfg.API, node)
	if err := apiServer.Start(); err != nil {
		cancelStream()
		collector.Stop()
		node.Stop()
		return fmt.Errorf("starting admin API: %w", err)
	}
	fmt.Printf("✓ Admin API listening on %s\n", apiServer.Addr())

	fmt.Println()
	fmt.Println("Keeper is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Stop(shutdownCtx)
	collector.Stop()
	cancelStream()
	node.Stop()
	monitor.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}
