package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/telemetry-agent/internal/config"
	"github.com/Chichichkin/telemetry-agent/internal/daemon"
	"github.com/Chichichkin/telemetry-agent/internal/device"
	"github.com/Chichichkin/telemetry-agent/internal/httpapi"
	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging/channel"
	"github.com/Chichichkin/telemetry-agent/internal/logging/ingestion"
	"github.com/Chichichkin/telemetry-agent/internal/metrics"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
	"github.com/Chichichkin/telemetry-agent/internal/persistence/memory"
	"github.com/Chichichkin/telemetry-agent/internal/persistence/sqlite"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log, flush, err := logger.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer flush()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	if err := metrics.RegisterRuntime(reg); err != nil {
		return fmt.Errorf("register runtime metrics: %w", err)
	}

	store, err := openStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close log store", logger.F("error", err))
		}
	}()

	sender, err := ingestion.NewSender(ingestion.Config{
		URL:               cfg.Ingestion.URL,
		Timeout:           cfg.Ingestion.Timeout,
		RequestsPerSecond: cfg.Ingestion.RequestsPerSecond,
		Burst:             cfg.Ingestion.Burst,
		Gzip:              cfg.Ingestion.Gzip,
		Headers:           cfg.Ingestion.Headers,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	// Storage calls made by late send results must outlive the signal.
	ch, err := channel.New(context.WithoutCancel(ctx), channel.Options{
		AppID:   cfg.AppUUID(),
		Store:   store,
		Sender:  sender,
		Device:  device.NewHostProvider(cfg.AppVersion),
		Logger:  log,
		Metrics: metrics.NewChannelMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, g := range cfg.Groups {
		if err := ch.AddGroup(channel.GroupConfig{
			Name:               g.Name,
			MaxLogsPerBatch:    g.MaxLogsPerBatch,
			BatchInterval:      g.BatchInterval,
			MaxParallelBatches: g.MaxParallelBatches,
		}); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(ch, reg, log).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", logger.F("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, src := range cfg.Sources {
		svc := daemon.NewService(gctx, daemon.Config{
			Group:           src.Group,
			Patterns:        src.Paths,
			LogType:         src.LogType,
			NodeName:        cfg.NodeName,
			ScanInterval:    src.ScanInterval,
			MinWorkers:      src.MinWorkers,
			MaxWorkers:      src.MaxWorkers,
			FileQueueSize:   src.FileQueueSize,
			FileIdleTimeout: src.FileIdleTimeout,
			MetricsInterval: 30 * time.Second,
		}, ch, log)
		g.Go(func() error { return svc.Run(gctx) })
	}

	log.Info("agent started",
		logger.F("groups", len(cfg.Groups)),
		logger.F("sources", len(cfg.Sources)),
		logger.F("storage", storageName(cfg.Storage)))

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func openStore(cfg config.StorageConfig, log logger.Logger) (persistence.Store, error) {
	if cfg.Path == "" {
		return memory.New(), nil
	}
	store, err := sqlite.Open(sqlite.Config{Path: cfg.Path, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	return store, nil
}

func storageName(cfg config.StorageConfig) string {
	if cfg.Path == "" {
		return "memory"
	}
	return cfg.Path
}
