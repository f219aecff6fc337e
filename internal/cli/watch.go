package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atelierops/pipewatch/internal/config"
	"github.com/atelierops/pipewatch/pkg/realtime"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to a running server and print updates as they arrive",
	Long: `watch connects to a pipewatch server's push channel and prints each
update as a JSON line. If the push connection is lost it degrades to
polling the HTTP API and recovers automatically.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringP("server", "s", "http://localhost:8090", "Server base URL")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	baseURL, _ := cmd.Flags().GetString("server")
	wsURL, err := pushURL(baseURL)
	if err != nil {
		return err
	}

	subCfg := realtime.DefaultSubscriberConfig()
	subCfg.FallbackDelay = config.Duration(cfg.Client.FallbackDelay, subCfg.FallbackDelay)
	subCfg.PollInterval = config.Duration(cfg.Client.PollInterval, subCfg.PollInterval)

	sub := realtime.NewSubscriber(subCfg,
		realtime.NewWSTransport(wsURL, logger),
		realtime.NewHTTPPuller(baseURL),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-quit:
			return nil
		case ev := <-sub.Updates():
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

// pushURL derives the websocket endpoint from the API base URL.
func pushURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}
