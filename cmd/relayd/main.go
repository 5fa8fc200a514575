// Command relayd runs the spool and delivery engine: it recovers any
// interrupted deliveries left from a previous run, starts the concurrent
// delivery loop, and serves the operator control surface. Grounded on
// elemta's cmd/elemta/main.go cobra root-command layout (persistent
// --config flag, "server"/"version" subcommands).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/elemta/relay/internal/clientcache"
	"github.com/elemta/relay/internal/config"
	"github.com/elemta/relay/internal/control"
	"github.com/elemta/relay/internal/deliveryloop"
	"github.com/elemta/relay/internal/eventbus"
	"github.com/elemta/relay/internal/index"
	"github.com/elemta/relay/internal/logging"
	"github.com/elemta/relay/internal/metricsstore"
	"github.com/elemta/relay/internal/recovery"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/smtpclient"
	"github.com/elemta/relay/internal/spool"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "relayd",
		Short:   "relayd runs the outbound relay's spool and delivery engine",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery engine and control surface",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level})

	s, err := spool.Open(cfg.Spool.Root)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := recovery.Reconcile(ctx, s, 5*time.Second, logger); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	idx, err := index.Open(cfg.Control.IndexDBPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	allQueues := []record.QueueName{record.QueueActive, record.QueueFrozen, record.QueueRemoved, record.QueueQuarantine}
	if err := idx.Rebuild(ctx, s, allQueues); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()

	indexSub := bus.Subscribe(ctx)
	go idx.Follow(ctx, indexSub, s)

	cache := clientcache.New(clientcache.Config{
		MaxConnectionsPerHost: cfg.Delivery.MaxConnectionsPerHost,
		ConnectionTimeout:     time.Duration(cfg.Delivery.ConnectionTimeoutSeconds) * time.Second,
	})
	defer cache.Close()

	metricsStore := metricsstore.New(cfg.Metrics.RedisAddr)
	defer metricsStore.Close()

	loop := deliveryloop.New(s, cache, smtpclient.NetSMTPClient{}, bus, metricsStore, deliveryloop.Config{
		TickInterval:          time.Duration(cfg.Delivery.TickIntervalSeconds) * time.Second,
		MaxConcurrentSendJobs: cfg.Delivery.MaxConcurrentSendJobs,
		EntryLockGiveUp:       time.Duration(cfg.Delivery.EntryLockGiveUpSeconds) * time.Second,
		ConnectionGiveUp:      time.Duration(cfg.Delivery.ConnectionGiveUpSeconds) * time.Second,
		HeloName:              cfg.Delivery.HeloName,
	}, logger)

	controlMetrics := control.NewMetrics(prometheus.DefaultRegisterer)
	controlServer := control.New(s, idx, loop, bus, controlMetrics, metricsStore, logger)

	httpServer := &http.Server{
		Addr:    cfg.Control.ListenAddr,
		Handler: controlServer,
	}

	go func() {
		logger.Info("control surface listening", "addr", cfg.Control.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control surface stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-loopErr:
		logger.Error("delivery loop exited", "error", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control surface shutdown error", "error", err)
	}

	return nil
}
