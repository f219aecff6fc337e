package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelierops/pipewatch/internal/config"
	"github.com/atelierops/pipewatch/internal/pipeline"
	"github.com/atelierops/pipewatch/internal/server"
	"github.com/atelierops/pipewatch/internal/sources"
	"github.com/atelierops/pipewatch/pkg/cache"
	"github.com/atelierops/pipewatch/pkg/notify"
	"github.com/atelierops/pipewatch/pkg/realtime"
	"github.com/atelierops/pipewatch/pkg/storage"
	"github.com/atelierops/pipewatch/pkg/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metrics cache, watcher, and alert API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg)

	paths := sourcePaths(cfg)
	metricsCache := cache.New(sources.Fetchers(paths, logger), sources.DeriveFeedAlerts, logger)
	engine := initEngine(cfg, logger)
	dispatcher := notify.NewDispatcherFromSettings(sinkSettings(cfg), logger)

	var store storage.AlertStore
	if cfg.History.Enabled {
		sqlStore, err := storage.NewSQLite(cfg.History.Path)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	hub := realtime.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	pipe := pipeline.New(metricsCache, engine, hub, dispatcher, store, logger)

	fsWatcher, err := watcher.New(config.Duration(cfg.Watcher.Debounce, watcher.DefaultDebounce), logger)
	if err != nil {
		return err
	}
	defer fsWatcher.Stop()
	if err := fsWatcher.Watch(paths.All()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipe.Run(ctx, fsWatcher.Events())

	// Warm the cache; sources that are not ready yet stay lazy.
	if err := pipe.RefreshAll(ctx); err != nil {
		logger.Warn("initial refresh incomplete", "error", err)
	}

	apiServer := server.NewServer(server.Deps{
		Cache:         metricsCache,
		Engine:        engine,
		Pipeline:      pipe,
		Dispatcher:    dispatcher,
		Hub:           hub,
		Store:         store,
		WatcherStatus: fsWatcher.Status,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 30*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipewatch started",
			"listen", cfg.Server.Listen,
			"thresholds", len(cfg.Alerts.Thresholds),
			"notifiers", dispatcher.NotifierCount(),
		)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		fsWatcher.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}
