package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/basekick-labs/runframe/internal/api"
	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/config"
	"github.com/basekick-labs/runframe/internal/database"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/library"
	"github.com/basekick-labs/runframe/internal/logger"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/ratelimit"
	"github.com/basekick-labs/runframe/internal/scheduler"
	"github.com/basekick-labs/runframe/internal/shutdown"
	"github.com/basekick-labs/runframe/internal/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "runframe",
		Short:         "runframe - normalize and merge fitness recordings into columnar activities",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: runframe.toml in ., /etc/runframe or ~/.runframe)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (the default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configFile)
			},
		},
		newConvertCommand(),
		newSummaryCommand(),
	)
	return root
}

// serve wires every component from the configuration and blocks until a
// shutdown signal
func serve(ctx context.Context, configFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting runframe...")

	m := metrics.Init(logger.Get("metrics"))
	coordinator := shutdown.New(cfg.Server.ShutdownTimeout+10*time.Second, logger.Get("shutdown"))

	store, err := storage.New(ctx, cfg.Storage.StorageBackend(), logger.Get("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	coordinator.Register("storage", store, shutdown.PriorityStorage)
	log.Info().Str("backend", store.Type()).Msg("Storage initialized")

	policy, err := cfg.Ingest.Policy()
	if err != nil {
		return err
	}
	pipeline := ingest.NewPipeline(store, ingest.Config{
		Policy:      policy,
		Concurrency: cfg.Ingest.Concurrency,
		MaxFileSize: cfg.Ingest.MaxFileSize,
	}, m, logger.Get("ingest"))

	exporter, err := export.NewExporter(store, export.Config{
		Format:      export.Format(cfg.Export.Format),
		Compression: cfg.Export.Compression,
		Prefix:      cfg.Export.Prefix,
	}, m, logger.Get("export"))
	if err != nil {
		return fmt.Errorf("failed to initialize exporter: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0700); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	cat, err := catalog.Open(cfg.Catalog.Path, logger.Get("catalog"))
	if err != nil {
		return err
	}
	coordinator.Register("catalog", cat, shutdown.PriorityCatalog)

	lib := library.New(pipeline, exporter, store, cat, logger.Get("library"))

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BodyLimit:       int(cfg.Server.BodyLimit),
	}, m, logger.Get("api"))
	server.RegisterRoutes()
	server.AddReadinessCheck("catalog", cat.Ping)
	if r, ok := store.(*storage.ResilientBackend); ok {
		server.AddReadinessCheck("storage", func(context.Context) error {
			if snap := r.Breaker(); snap.State == "open" {
				return fmt.Errorf("storage circuit open after %d failures", snap.Failures)
			}
			return nil
		})
	}
	activities := api.NewActivityHandler(lib, store, logger.Get("api"))
	activities.SetRateLimit(ratelimit.PerMinute(cfg.Server.ImportRateLimit))
	activities.RegisterRoutes(server.App())

	if cfg.Query.Enabled {
		db, err := database.New(queryConfig(cfg), logger.Get("database"))
		if err != nil {
			return err
		}
		coordinator.Register("duckdb", db, shutdown.PriorityQuery)
		server.AddReadinessCheck("duckdb", db.Ping)
		api.NewQueryHandler(db, store, exporter, cat, m, logger.Get("api")).RegisterRoutes(server.App())
	}

	if cfg.Import.Enabled {
		sched, err := scheduler.NewImportScheduler(&scheduler.ImportSchedulerConfig{
			Library:  lib,
			Storage:  store,
			Prefix:   cfg.Import.Prefix,
			Schedule: cfg.Import.Schedule,
			Metrics:  m,
			Logger:   logger.Get("scheduler"),
		})
		if err != nil {
			return fmt.Errorf("invalid import schedule: %w", err)
		}
		if err := sched.Start(); err != nil {
			return err
		}
		coordinator.RegisterFunc("import-scheduler", func(context.Context) error {
			sched.Stop()
			return nil
		}, shutdown.PriorityScheduler)
		api.NewImportHandler(sched).RegisterRoutes(server.App())
	}

	errCh := server.Start()
	coordinator.RegisterFunc("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
	go func() {
		if err, ok := <-errCh; ok && err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			coordinator.Trigger()
		}
	}()

	coordinator.WaitForSignal()
	if err := coordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		return err
	}
	return nil
}

// queryConfig gives DuckDB access to wherever the exports are stored
func queryConfig(cfg *config.Config) *database.Config {
	dc := &database.Config{
		MemoryLimit:  cfg.Query.MemoryLimit,
		ThreadCount:  cfg.Query.ThreadCount,
		QueryTimeout: cfg.Query.Timeout,
	}
	s := cfg.Storage
	switch s.Backend {
	case "s3", "minio":
		dc.S3 = &database.S3Access{
			Region:    s.S3Region,
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
			PathStyle: s.S3PathStyle,
		}
	case "azure", "azblob":
		dc.Azure = &database.AzureAccess{
			ConnectionString: s.AzureConnectionString,
			AccountName:      s.AzureAccountName,
		}
	}
	return dc
}
