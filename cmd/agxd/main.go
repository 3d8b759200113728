// Command agxd is the local agent daemon: it polls the task service for
// claimable work, drives each claim through the execute/verify iteration
// engine, and runs the durable execution-graph tick loop alongside it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/agx/internal/config"
	"github.com/swarmguard/agx/internal/daemon"
	"github.com/swarmguard/agx/internal/graph"
	"github.com/swarmguard/agx/internal/iteration"
	"github.com/swarmguard/agx/internal/obslog"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/taskservice"
	"github.com/swarmguard/agx/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "agxd",
	Short: "Local daemon: claims tasks off the cloud queue and drives execution graphs to completion.",
	RunE:  run,
}

func init() {
	config.BindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("agxd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	obslog.Init("agxd")

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.CloudURL == "" {
		return fmt.Errorf("AGX_CLOUD_URL (or --cloud-url) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "agxd")
	shutdownMetrics := telemetry.InitMetrics(ctx, "agxd")
	defer func() {
		telemetry.Flush(context.Background(), shutdownTracer)
		telemetry.Flush(context.Background(), shutdownMetrics)
	}()

	artifactStore, err := store.New(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer func() { _ = artifactStore.Close() }()

	providerManager := provider.NewManager(cfg.HomeDir)
	taskClient := taskservice.New(cfg.CloudURL, cfg.UserID)
	engine := &iteration.Engine{Store: artifactStore, Manager: providerManager, Config: cfg}

	pool := daemon.NewPool(cfg, artifactStore, taskClient, providerManager, engine, telemetry.Meter())

	graphDriver, closeGraph, err := newGraphDriver(cfg)
	if err != nil {
		return fmt.Errorf("init graph runtime: %w", err)
	}
	defer closeGraph()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(gctx) })
	group.Go(func() error { return graphDriver.Start(gctx) })

	slog.Info("agxd started", "cloud_url", cfg.CloudURL, "home", cfg.HomeDir, "max_concurrent", cfg.DaemonMaxConcurrent)
	return group.Wait()
}

// newGraphDriver wires the bbolt-backed graph store and tick queue into a
// Driver. NATS is the documented alternative TickQueue (internal/graph's
// NatsQueue) for multi-daemon deployments; single-daemon agxd defaults to
// the embedded bbolt queue so there's nothing extra to run.
func newGraphDriver(cfg config.Config) (*graph.Driver, func(), error) {
	graphDir := filepath.Join(cfg.HomeDir, "graph")

	graphStore, err := graph.NewBoltStore(graphDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open graph store: %w", err)
	}
	tickQueue, err := graph.NewBoltQueue(graphDir)
	if err != nil {
		_ = graphStore.Close()
		return nil, nil, fmt.Errorf("open tick queue: %w", err)
	}

	driver := graph.NewDriver(graphStore, tickQueue, graph.NewDefaultScheduler(), graph.DriverConfig{})
	closeFn := func() {
		_ = tickQueue.Close()
		_ = graphStore.Close()
	}
	return driver, closeFn, nil
}
