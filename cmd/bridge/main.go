// Package main is the entry point for the OPC UA to HTTP read bridge.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/config"
	"github.com/nexus-edge/opcua-bridge/internal/errorhandler"
	"github.com/nexus-edge/opcua-bridge/internal/health"
	"github.com/nexus-edge/opcua-bridge/internal/httpapi"
	"github.com/nexus-edge/opcua-bridge/internal/metrics"
	"github.com/nexus-edge/opcua-bridge/internal/opcuaclient"
	"github.com/nexus-edge/opcua-bridge/internal/readstrategy"
	"github.com/nexus-edge/opcua-bridge/internal/reconnect"
	"github.com/nexus-edge/opcua-bridge/internal/subscription"
	"github.com/nexus-edge/opcua-bridge/internal/updater"
	"github.com/nexus-edge/opcua-bridge/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "opcua-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger = logging.WithComponent(logger, serviceName)
	logger.Info().Str("version", serviceVersion).Str("env", cfg.Service.Environment).Msg("starting opcua bridge")

	registry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opcuaCfg := opcuaclient.DefaultConfig(cfg.OPCUA.Endpoint)
	opcuaCfg.SecurityPolicy = cfg.OPCUA.SecurityPolicy
	opcuaCfg.SecurityMode = cfg.OPCUA.SecurityMode
	opcuaCfg.Username = cfg.OPCUA.Username
	opcuaCfg.Password = cfg.OPCUA.Password
	opcuaCfg.ReadTimeout = cfg.OPCUA.ReadTimeout
	opcuaCfg.BatchSize = cfg.OPCUA.BatchSize
	client := opcuaclient.New(opcuaCfg, logger)

	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to OPC UA server")
	}
	defer client.Disconnect(context.Background())

	dataCache := cache.New(cache.Config{
		RefreshThreshold: cfg.Cache.RefreshThreshold,
		ExpireTime:       cfg.Cache.ExpireTime,
		MaxEntries:       cfg.Cache.MaxEntries,
		MaxMemoryBytes:   int64(cfg.Cache.MaxMemoryMB) * 1024 * 1024,
		LowWaterRatio:    0.7,
	}, logger)

	subs := subscription.New(subscription.DefaultConfig(), client, dataCache, logger)
	if err := subs.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start subscription manager")
	}

	backgroundUpdater := updater.New(updater.Config{
		WorkerCount:    cfg.Background.Threads,
		QueueCapacity:  cfg.Background.QueueSize,
		PerReadTimeout: cfg.Background.Timeout,
	}, dataCache, client, logger)
	backgroundUpdater.Start(ctx)
	defer backgroundUpdater.Stop()

	errHandler := errorhandler.New(errorhandler.DefaultConfig(), client, dataCache, logger)

	strategy := readstrategy.New(readstrategy.Config{
		ConcurrencyControlEnabled: true,
		MaxConcurrentReads:        cfg.Cache.ConcurrentReads,
	}, dataCache, client, backgroundUpdater, errHandler, logger)

	reconnectMgr := reconnect.New(reconnect.Config{
		InitialDelay: cfg.Connection.InitialDelay,
		MaxDelay:     cfg.Connection.MaxDelay,
		MaxRetries:   cfg.Connection.RetryMax,
		PollInterval: time.Second,
	}, client, subs, logger)
	reconnectMgr.Start(ctx)
	defer reconnectMgr.Stop()

	cleanupStop := startCleanupLoop(ctx, cfg.Cache.CleanupInterval, dataCache, subs)
	defer close(cleanupStop)

	metricsStop := startMetricsPump(ctx, registry, dataCache, errHandler, client)
	defer close(metricsStop)

	healthChecker := health.NewChecker(client, reconnectMgr, logger)
	readHandler := httpapi.New(strategy, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.HandleFunc("/read", readHandler.ReadHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}

	logger.Info().Msg("opcua bridge shutdown complete")
}

func configPath() string {
	if p := os.Getenv("BRIDGE_CONFIG_PATH"); p != "" {
		return p
	}
	return "config/bridge.yaml"
}

// startCleanupLoop periodically sweeps expired cache entries, trims the cache
// under entry-count pressure, and reconciles subscription state (which also
// removes idle monitored items), mirroring the original
// CacheManager::performCleanup / SubscriptionManager reconciliation cadence.
func startCleanupLoop(ctx context.Context, interval time.Duration, c *cache.Cache, subs *subscription.Manager) chan struct{} {
	stop := make(chan struct{})
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.CleanupExpired()
				c.EvictLRUUnderPressure(0.9)
				subs.Reconcile()
			}
		}
	}()
	return stop
}

// startMetricsPump periodically copies component stats snapshots into the
// Prometheus registry, since those components are built as plain structs
// with Stats() accessors rather than being Prometheus-aware themselves.
func startMetricsPump(
	ctx context.Context,
	registry *metrics.Registry,
	c *cache.Cache,
	eh *errorhandler.Handler,
	conn interface{ IsConnected() bool },
) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				cs := c.Stats()
				registry.SetCacheEntries(float64(cs.Entries))
				registry.SetCacheMemoryBytes(float64(cs.MemoryBytes))

				es := eh.Stats()
				registry.SetErrorRateExceeded(es.RateExceeded)

				registry.SetConnectionUp(conn.IsConnected())
			}
		}
	}()
	return stop
}
