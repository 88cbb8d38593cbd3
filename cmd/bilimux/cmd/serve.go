package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bilimux/bilimux/internal/biliapi"
	"github.com/bilimux/bilimux/internal/config"
	"github.com/bilimux/bilimux/internal/database"
	"github.com/bilimux/bilimux/internal/fetch"
	internalhttp "github.com/bilimux/bilimux/internal/http"
	"github.com/bilimux/bilimux/internal/http/handlers"
	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/iostore"
	"github.com/bilimux/bilimux/internal/observability"
	"github.com/bilimux/bilimux/internal/pipeline"
	"github.com/bilimux/bilimux/internal/repository"
	"github.com/bilimux/bilimux/internal/scheduler"
	"github.com/bilimux/bilimux/internal/service/progress"
	"github.com/bilimux/bilimux/internal/startup"
	"github.com/bilimux/bilimux/internal/storage"
	"github.com/bilimux/bilimux/internal/version"
	"github.com/bilimux/bilimux/internal/wbi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bilimux server",
	Long: `Start the bilimux HTTP server.

The server provides:
- REST API for queueing download tasks and browsing history
- One-shot virtual download URLs under /streams/
- Health check endpoint and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("data-dir", "", "Sandbox root for working files")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Working files from a previous crash serve nothing: the queue rows
	// re-run from scratch.
	if removed, err := startup.CleanupOrphanedTaskDirs(logger, cfg.Storage.BaseDir, time.Hour); err != nil {
		logger.Warn("failed to clean orphaned task directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned task directories on startup", slog.Int("removed_count", removed))
	}

	db := database.New(cfg.Database, logger)
	if err := db.Open(ctx); err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	historyRepo := repository.NewHistoryRepository(db.DB)
	queueRepo := repository.NewQueueRepository(db.DB)
	thumbRepo := repository.NewThumbnailRepository(db.DB)

	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	worker, err := iostore.New(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing io worker: %w", err)
	}
	go worker.Run(ctx)
	store := iostore.NewHandle(worker)

	hcConfig := httpclient.DefaultConfig()
	hcConfig.Timeout = cfg.Fetch.Timeout
	hcConfig.UserAgent = cfg.Fetch.UserAgent
	hcConfig.Logger = logger
	hc := httpclient.New(hcConfig)

	signer := wbi.New(hc)
	api := biliapi.New(hc, signer, logger)

	fetcher := fetch.New(hc, store, logger, fetch.Options{
		ThreadCount:       cfg.Fetch.ThreadCount,
		MinPartSize:       int64(cfg.Fetch.MinPartSize),
		MaxRetriesPerPart: cfg.Fetch.MaxRetriesPerPart,
		ProbeTimeout:      cfg.Fetch.Timeout,
	})

	thumbs := storage.NewThumbCache(sandbox, thumbRepo, hc, logger)
	if err := thumbs.Sweep(ctx); err != nil {
		logger.Warn("thumbnail sweep failed", slog.String("error", err.Error()))
	}

	tracker := progress.NewTracker()

	registry := pipeline.NewRegistry(logger).WithTimeout(cfg.Pipeline.ExportTimeout)
	executor := scheduler.NewExecutor(pipeline.Deps{
		API:      api,
		Fetcher:  fetcher,
		Store:    store,
		Thumbs:   thumbs,
		Reporter: tracker,
		Logger:   logger,
	}, registry, logger)

	sched := scheduler.New(scheduler.Config{
		Cooldown:    cfg.Scheduler.Cooldown,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	}, queueRepo, historyRepo, executor, logger)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	pruner := scheduler.NewPruner(historyRepo, cfg.Scheduler.HistoryRetentionDays, cfg.Scheduler.PruneSchedule, logger)
	if err := pruner.Start(); err != nil {
		return fmt.Errorf("starting history pruner: %w", err)
	}
	defer pruner.Stop()

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No write timeout: /streams/ responses run as long as the
		// download they carry.
		WriteTimeout:    0,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())

	handlers.NewStreamHandler(registry, logger).Register(server.Router())
	handlers.NewTaskHandler(sched, queueRepo, historyRepo).WithProgress(tracker).Register(server.API())
	handlers.NewHealthHandler(version.Short()).WithDB(db.DB).Register(server.API())

	logger.Info("bilimux starting",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()),
		slog.String("data_dir", cfg.Storage.BaseDir),
	)
	return server.ListenAndServe(ctx)
}

// applyFlagOverrides lets explicit serve flags win over file/env config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.BaseDir, _ = cmd.Flags().GetString("data-dir")
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}
