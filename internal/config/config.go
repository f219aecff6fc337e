// Package config loads pipewatch configuration from file, environment,
// and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/atelierops/pipewatch/pkg/model"
)

// Config holds all pipewatch configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sources SourcesConfig `mapstructure:"sources"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	History HistoryConfig `mapstructure:"history"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SourcesConfig locates the metric source files.
type SourcesConfig struct {
	SpendFile      string `mapstructure:"spend_file"`
	HealthFile     string `mapstructure:"health_file"`
	SmokeFile      string `mapstructure:"smoke_file"`
	TestResultsDir string `mapstructure:"test_results_dir"`
}

// WatcherConfig defines file-watch behavior.
type WatcherConfig struct {
	Debounce string `mapstructure:"debounce"`
}

// AlertsConfig defines cost-alert evaluation and delivery.
type AlertsConfig struct {
	CooldownWindow string                     `mapstructure:"cooldown_window"`
	Thresholds     map[string]model.Threshold `mapstructure:"thresholds"`
	ThresholdsFile string                     `mapstructure:"thresholds_file"`
	Severity       SeverityConfig             `mapstructure:"severity"`
	Slack          SlackConfig                `mapstructure:"slack"`
	Webhook        WebhookConfig              `mapstructure:"webhook"`
}

// SeverityConfig holds the spend-to-threshold ratio cut points.
type SeverityConfig struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// HistoryConfig defines alert history persistence.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ClientConfig tunes the subscriber fallback state machine.
type ClientConfig struct {
	FallbackDelay string `mapstructure:"fallback_delay"`
	PollInterval  string `mapstructure:"poll_interval"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".pipewatch"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	v.SetDefault("server.listen", ":8090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("sources.spend_file", "data/cost-tracking.jsonl")
	v.SetDefault("sources.health_file", "data/error-log.jsonl")
	v.SetDefault("sources.smoke_file", "data/smoke-results.json")
	v.SetDefault("sources.test_results_dir", "data/test-results")
	v.SetDefault("watcher.debounce", "500ms")
	v.SetDefault("alerts.cooldown_window", "1h")
	v.SetDefault("alerts.severity.critical", 2.0)
	v.SetDefault("alerts.severity.high", 1.5)
	v.SetDefault("alerts.severity.medium", 1.2)
	v.SetDefault("alerts.slack.channel", "#pipeline-costs")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "data/pipewatch.db")
	v.SetDefault("client.fallback_delay", "15s")
	v.SetDefault("client.poll_interval", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment variables
	v.SetEnvPrefix("PIPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := mergeThresholdOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeThresholdOverrides layers the thresholds file and the
// PIPEWATCH_THRESHOLDS JSON environment override onto the config table.
func mergeThresholdOverrides(cfg *Config) error {
	if cfg.Alerts.Thresholds == nil {
		cfg.Alerts.Thresholds = make(map[string]model.Threshold)
	}

	if cfg.Alerts.ThresholdsFile != "" {
		data, err := os.ReadFile(cfg.Alerts.ThresholdsFile)
		if err != nil {
			return fmt.Errorf("read thresholds file: %w", err)
		}
		var fromFile map[string]model.Threshold
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return fmt.Errorf("parse thresholds file: %w", err)
		}
		for k, t := range fromFile {
			cfg.Alerts.Thresholds[k] = t
		}
	}

	if raw := os.Getenv("PIPEWATCH_THRESHOLDS"); raw != "" {
		var fromEnv map[string]model.Threshold
		if err := json.Unmarshal([]byte(raw), &fromEnv); err != nil {
			return fmt.Errorf("parse PIPEWATCH_THRESHOLDS: %w", err)
		}
		for k, t := range fromEnv {
			cfg.Alerts.Thresholds[k] = t
		}
	}

	return nil
}

// Duration parses s, falling back to def when empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
