// Package main — cmd/clustercontrold/main.go
//
// Cluster control plane entrypoint.
//
// Startup sequence (serve):
//  1. Load and validate config from the path given by --config.
//  2. Initialise structured logger (zap).
//  3. Start Prometheus metrics server.
//  4. Construct ClusterMonitor (wires C4-C9; opens bbolt storage if enabled).
//  5. Start the optional Redis distcache publish loop.
//  6. Start the HTTP/JSON API + alert websocket.
//  7. Register SIGHUP handler for config hot-reload.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to ClusterMonitor, HTTP server, distcache).
//  2. ClusterMonitor.Close (stops alert delivery, closes storage; the
//     periodic tasks already stopped with the root context).
//  3. Flush logger.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/aggregate"
	"github.com/jeppevinkel/codebuddy-cluster/internal/cluster"
	"github.com/jeppevinkel/codebuddy-cluster/internal/config"
	"github.com/jeppevinkel/codebuddy-cluster/internal/distcache"
	"github.com/jeppevinkel/codebuddy-cluster/internal/httpapi"
	"github.com/jeppevinkel/codebuddy-cluster/internal/observability"
)

func main() {
	root := &cobra.Command{
		Use:   "clustercontrold",
		Short: "Distributed validation cluster control plane",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/codebuddy-cluster/cluster.yaml", "path to cluster.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newSimulateCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("clustercontrold %s (commit=%s built=%s)\n",
				config.Version, config.GitCommit, config.BuildTime)
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogFormat, cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("clustercontrold starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", configPath),
		zap.String("strategy", cfg.LoadBalancingStrategy),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	monitor, err := cluster.New(*cfg, log, nil)
	if err != nil {
		return fmt.Errorf("cluster monitor construction failed: %w", err)
	}
	go monitor.Run(ctx)
	log.Info("cluster monitor started")

	if cfg.DistCache.Enabled {
		cache := distcache.New(cfg.DistCache.Addr, cfg.DistCache.Key, cfg.DistCache.TTL)
		defer cache.Close() //nolint:errcheck
		snapshot := func() aggregate.ClusterHealth {
			health, _ := monitor.GetClusterHealth()
			return health
		}
		onError := func(err error) { log.Warn("distcache publish failed", zap.Error(err)) }
		go cache.PublishLoop(ctx, cfg.DistCache.TTL/2, snapshot, onError)
		log.Info("distcache publish loop started", zap.String("addr", cfg.DistCache.Addr))
	}

	apiServer := httpapi.NewServer(monitor, log)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAPI.ListenAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http api server error", zap.Error(err))
		}
	}()
	log.Info("http api server started", zap.String("addr", cfg.HTTPAPI.ListenAddr))

	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		return fmt.Errorf("config watcher construction failed: %w", err)
	}
	go watcher.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http api shutdown error", zap.Error(err))
	}
	monitor.Close()

	log.Info("clustercontrold shutdown complete")
	return nil
}
