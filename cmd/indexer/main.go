// Package main provides the entry point of the name-operation indexer: chain scanner,
// pin queue, request handler and status server in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nameop-indexer/internal/adapter"
	"github.com/nameop-indexer/internal/api"
	"github.com/nameop-indexer/internal/config"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/job"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/metrics"
	"github.com/nameop-indexer/internal/retry"
	"github.com/nameop-indexer/internal/service"
	"github.com/nameop-indexer/internal/storage"
	"github.com/nameop-indexer/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	).WithComponent("main")
	logger.Info("Name-operation indexer starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	logger.Info("Connecting to databases...")
	var postgres *storage.PostgresDB
	err = retry.Do(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return err
		}
		postgres = db
		return nil
	})
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	redis, err := storage.NewRedisStore(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ipfs := storage.NewIPFSStore(&cfg.IPFS)
	if err := ipfs.Ping(ctx); err != nil {
		logger.WithError(err).Warn("IPFS node not reachable yet; content operations will fail until it is")
	}
	logger.Info("Database connections established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Chain
	client, err := adapter.NewElectrumClient(adapter.ElectrumClientConfig{
		URL:             cfg.Chain.URL,
		ConnectAttempts: cfg.Chain.ConnectAttempts,
		ConnectBackoff:  cfg.Chain.ConnectBackoff,
		RequestTimeout:  cfg.Chain.RequestTimeout,
		MaxRPS:          cfg.Chain.MaxRPS,
	})
	if err != nil {
		logger.Fatalf("Failed to create query node client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		logger.Fatalf("Failed to connect to query node: %v", err)
	}
	defer client.Close()
	chain := adapter.NewNameChainAdapter(client)

	watcher := worker.NewTipWatcher(chain)
	if err := watcher.Start(ctx); err != nil {
		logger.Fatalf("Failed to watch chain tip: %v", err)
	}
	go pollTips(ctx, watcher, m, cfg.Chain.TipPollInterval, logger)

	// Repositories and services
	cursors := storage.NewCursorRepository(postgres.Pool())
	daily := storage.NewDailyRecordRepository(redis, ipfs)
	pinRepo := storage.NewPinningRepository(storage.NewDocumentStore(postgres.Pool()))
	defer pinRepo.Close()
	failures := storage.NewFailureRepository(redis)

	aggregator := service.NewDailyAggregator(daily)
	pinning := service.NewPinningService(cfg.Pinning, ipfs, pinRepo, chain, failures)

	pinQueue := job.NewPinQueue(pinning, job.PinQueueConfig{
		Workers:     cfg.Pinning.Workers,
		TaskTimeout: cfg.Pinning.TaskTimeout,
		Metrics:     m,
	})

	scanner, err := worker.NewScanner(worker.ScannerConfig{
		Connection: client,
		Processor: worker.NewBlockProcessor(chain, worker.BlockProcessorConfig{
			BatchSize:           cfg.Chain.BatchSize,
			PositionRetryDelay:  cfg.Scan.PositionRetryDelay,
			PositionMaxAttempts: cfg.Scan.PositionMaxAttempts,
		}),
		Cursors:           cursors,
		Aggregator:        aggregator,
		Pins:              pinQueue,
		Tips:              watcher,
		Metrics:           m,
		FloorHeight:       cfg.Scan.FloorHeight,
		HeightRetryDelay:  cfg.Scan.HeightRetryDelay,
		HeightMaxAttempts: cfg.Scan.HeightMaxAttempts,
		IdleCheckInterval: cfg.Scan.IdleCheckInterval,
	})
	if err != nil {
		logger.Fatalf("Failed to create scanner: %v", err)
	}

	// Request channel
	handlerCtx, stopHandler := context.WithCancel(ctx)
	defer stopHandler()
	handler := api.NewRequestHandler(storage.NewMessaging(redis), daily, pinning, api.RequestHandlerConfig{
		TopicPrefix:      cfg.Messaging.TopicPrefix,
		ListLookbackDays: cfg.Messaging.ListLookbackDays,
		DefaultPageSize:  cfg.Messaging.DefaultPageSize,
	})
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		if err := handler.Run(handlerCtx); err != nil {
			logger.WithError(err).Error("Request handler stopped")
		}
	}()

	// Status server
	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		RateLimitRPS: cfg.Server.RateLimitRPS,
	}, api.StatusSources{
		Scanner:  scanner,
		Tips:     watcher,
		Chain:    client,
		Cursors:  cursors,
		Pins:     pinQueue,
		Daily:    daily,
		Failures: failures,
		Records:  pinRepo,
		Health: map[string]api.HealthChecker{
			"postgres": postgres,
			"redis":    redis,
			"ipfs":     ipfs,
		},
		Metrics: m.Handler(),
	})
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Status server failed")
		}
	}()

	// The scanner has its own stop path so that it can finish the current height.
	if err := scanner.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Fatalf("Failed to start scanner: %v", err)
	}
	logger.Info("Indexer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-scanner.Done():
		if err := scanner.Err(); err != nil {
			logger.WithError(err).Error("Scanner exited")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := scanner.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scanner did not stop cleanly")
	}

	stopHandler()
	<-handlerDone

	if err := pinQueue.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Pin queue did not drain")
	}
	stats := pinQueue.Stats()
	logger.WithFields(map[string]interface{}{
		"submitted": stats.Submitted,
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
	}).Info("Pin queue closed")

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Status server shutdown failed")
	}

	cancel()
	logger.Info("Indexer stopped")
}

// pollTips asks the node for its tip at a fixed interval, covering missed pushes
func pollTips(ctx context.Context, watcher *worker.TipWatcher, m *metrics.Metrics, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := watcher.Poll(ctx)
			if err != nil {
				if apperrors.IsConnectivity(err) {
					logger.WithError(err).Warn("Tip poll failed, query node session is down")
				} else {
					logger.WithError(err).Debug("Tip poll failed")
				}
				continue
			}
			m.TipObserved(tip.Height)
		}
	}
}
