// Package cli implements the pipewatch command line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atelierops/pipewatch/internal/config"
	"github.com/atelierops/pipewatch/internal/sources"
	"github.com/atelierops/pipewatch/pkg/costalert"
	"github.com/atelierops/pipewatch/pkg/notify"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pipewatch",
	Short: "pipewatch - live metrics cache and cost-alert engine",
	Long: `pipewatch watches the pipeline's metric source files, serves cached
spend/health/test collections over HTTP and websockets, and raises
cost-overrun alerts when service spend crosses its configured thresholds.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.pipewatch/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// sourcePaths maps config to the fetcher path set.
func sourcePaths(cfg *config.Config) sources.Paths {
	return sources.Paths{
		SpendFile:      cfg.Sources.SpendFile,
		HealthFile:     cfg.Sources.HealthFile,
		SmokeFile:      cfg.Sources.SmokeFile,
		TestResultsDir: cfg.Sources.TestResultsDir,
	}
}

// initEngine creates the alert engine from config.
func initEngine(cfg *config.Config, logger *slog.Logger) *costalert.Engine {
	engineCfg := costalert.DefaultConfig()
	engineCfg.CooldownWindow = config.Duration(cfg.Alerts.CooldownWindow, engineCfg.CooldownWindow)
	if cfg.Alerts.Severity.Critical > 0 {
		engineCfg.CriticalRatio = cfg.Alerts.Severity.Critical
	}
	if cfg.Alerts.Severity.High > 0 {
		engineCfg.HighRatio = cfg.Alerts.Severity.High
	}
	if cfg.Alerts.Severity.Medium > 0 {
		engineCfg.MediumRatio = cfg.Alerts.Severity.Medium
	}
	return costalert.New(engineCfg, cfg.Alerts.Thresholds, logger)
}

// sinkSettings maps config to the dispatcher's sink settings.
func sinkSettings(cfg *config.Config) notify.Settings {
	return notify.Settings{
		Slack: notify.SlackSettings{
			Enabled:    cfg.Alerts.Slack.Enabled,
			WebhookURL: cfg.Alerts.Slack.WebhookURL,
			Channel:    cfg.Alerts.Slack.Channel,
		},
		Webhook: notify.WebhookSettings{
			Enabled: cfg.Alerts.Webhook.Enabled,
			URL:     cfg.Alerts.Webhook.URL,
			Secret:  cfg.Alerts.Webhook.Secret,
		},
	}
}
