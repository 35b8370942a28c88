package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	analyticsapi "github.com/Ftotnem/analytics-service/analytics/api"
	"github.com/Ftotnem/analytics-service/analytics/dynconfig"
	"github.com/Ftotnem/analytics-service/analytics/store"
	"github.com/Ftotnem/analytics-service/shared/api"
	"github.com/Ftotnem/analytics-service/shared/cluster"
	"github.com/Ftotnem/analytics-service/shared/config"
	"github.com/Ftotnem/analytics-service/shared/logging"
	"github.com/Ftotnem/analytics-service/shared/metrics"
	"github.com/Ftotnem/analytics-service/shared/mongodb"
	redisu "github.com/Ftotnem/analytics-service/shared/redis"
	"github.com/Ftotnem/analytics-service/shared/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// --- 1. Load Configuration ---
	cfg, err := config.LoadAnalyticsServiceConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// --- 2. Logger ---
	out, closeLog, err := logging.OpenLogFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()
	logger, err := logging.NewLogger(out, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	logger = log.With(logger, "service", cfg.ServiceName)
	level.Info(logger).Log("msg", "configuration loaded", "listen_addr", cfg.ListenAddr, "namespace", cfg.RegistryNamespace, "data_id", cfg.ConfigDataID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(promRegistry, "analytics")
	if err != nil {
		level.Error(logger).Log("msg", "failed to register metrics", "err", err)
		return 1
	}

	// --- 3. Connect to Redis ---
	redisClient, err := redisu.NewUniversalClient(ctx, cfg.RedisAddrs, cfg.RedisPassword)
	if err != nil {
		level.Error(logger).Log("msg", "failed to connect to Redis", "addrs", fmt.Sprint(cfg.RedisAddrs), "err", err)
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			level.Warn(logger).Log("msg", "error closing Redis client", "err", err)
		}
	}()
	level.Info(logger).Log("msg", "connected to Redis", "addrs", fmt.Sprint(cfg.RedisAddrs))

	registryClient := registry.NewRedisRegistry(redisClient, cfg.RegistryNamespace, logger)

	// --- 4. Register and start heartbeating ---
	instance := registry.NewServiceInstance(cfg.ServiceName, cfg.ServiceGroup, cfg.ServiceIP, cfg.ServicePort)
	registrar := registry.NewServiceRegistrar(registryClient, instance, cfg.HeartbeatInterval, logger, collector)
	if err := registrar.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to register service instance", "instance_id", instance.InstanceID, "err", err)
		return 1
	}
	defer func() {
		if err := registrar.Stop(); err != nil {
			level.Warn(logger).Log("msg", "registrar stop reported an error", "err", err)
		}
	}()

	// --- 5. Optional config history ---
	var history *store.ConfigHistoryStore
	if cfg.MongoDBConnStr != "" {
		mongoClient, err := mongodb.NewClient(ctx, cfg.MongoDBConnStr, cfg.MongoDBDatabase, logger)
		if err != nil {
			level.Warn(logger).Log("msg", "config history disabled", "err", err)
		} else {
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := mongoClient.Disconnect(dctx); err != nil {
					level.Warn(logger).Log("msg", "error disconnecting MongoDB", "err", err)
				}
			}()
			history = store.NewConfigHistoryStore(mongoClient.Collection(cfg.MongoDBHistory), instance.InstanceID)
			if err := history.EnsureIndexes(ctx); err != nil {
				level.Warn(logger).Log("msg", "failed to ensure config history indexes", "err", err)
			}
		}
	}

	// --- 6. Dynamic configuration ---
	configStore := dynconfig.NewStore()
	synchronizer := dynconfig.NewSynchronizer(configStore, registryClient, dynconfig.SynchronizerConfig{
		DataID:    cfg.ConfigDataID,
		Group:     cfg.ConfigGroup,
		LocalFile: cfg.LocalConfigFile,
		Debounce:  cfg.ConfigDebounce,
	}, logger, collector)
	if history != nil {
		synchronizer.SetHistory(history)
	}
	synchronizer.Start(ctx)
	defer synchronizer.Close()

	// --- 7. Registry cleanup ---
	assignment := cluster.NewServiceAssignmentManager(registryClient, instance, cfg.HeartbeatTTL, cfg.HeartbeatInterval, logger)
	go assignment.Start(ctx)
	registrar.StartCleanupLoop(ctx, registryClient, assignment, cfg.RegistryCleanupInterval, cfg.HeartbeatTTL)

	// --- 8. HTTP server ---
	baseServer := api.NewBaseServer(cfg.ListenAddr, logger)
	baseServer.HandleMetrics(promRegistry)
	var historyLister analyticsapi.HistoryLister
	if history != nil {
		historyLister = history
	}
	handlers := analyticsapi.NewAnalyticsAPIHandlers(configStore, registryClient, registryClient, historyLister, analyticsapi.Options{
		Instance:     instance,
		ConfigGroup:  cfg.ConfigGroup,
		ConfigDataID: cfg.ConfigDataID,
		HeartbeatTTL: cfg.HeartbeatTTL,
	}, logger)
	handlers.RegisterRoutes(baseServer.Router)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- baseServer.Start()
	}()

	// --- 9. Graceful Shutdown ---
	exitCode := 0
	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			level.Error(logger).Log("msg", "HTTP server stopped", "err", err)
			exitCode = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := baseServer.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "HTTP server graceful shutdown failed", "err", err)
		exitCode = 1
	}
	level.Info(logger).Log("msg", "analytics service shutting down")
	return exitCode
}
