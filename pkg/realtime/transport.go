package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport dials the hub's websocket endpoint.
type WSTransport struct {
	url    string
	logger *slog.Logger
}

// NewWSTransport creates a websocket transport for the given ws:// URL.
func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{url: url, logger: logger}
}

// Connect dials the hub and returns a channel of decoded events. The
// channel closes when the connection drops; undecodable frames are
// skipped.
func (t *WSTransport) Connect(ctx context.Context) (<-chan Event, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.logger.Warn("bad push frame", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return events, nil
}

// HTTPPuller fetches the push channel's logical resources over the plain
// HTTP API, for the polling fallback.
type HTTPPuller struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPuller creates a puller against the given API base URL.
func NewHTTPPuller(baseURL string) *HTTPPuller {
	return &HTTPPuller{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Pull fetches the metrics and cost-alert resources and shapes them as the
// two push event types, so consumers merge them identically.
func (p *HTTPPuller) Pull(ctx context.Context) ([]Event, error) {
	metrics := map[string]json.RawMessage{}
	for path, field := range map[string]string{
		"/api/budget": "budget",
		"/api/health": "health",
		"/api/tests":  "tests",
		"/api/alerts": "alerts",
	} {
		raw, err := p.fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		metrics[field] = raw
	}
	metrics["timestamp"] = mustJSON(time.Now().UTC())

	costAlerts, err := p.fetch(ctx, "/api/cost-alerts")
	if err != nil {
		return nil, err
	}

	var costPayload any
	if err := json.Unmarshal(costAlerts, &costPayload); err != nil {
		return nil, fmt.Errorf("decode cost-alerts: %w", err)
	}

	return []Event{
		{Type: EventMetricsUpdate, Payload: metrics},
		{Type: EventCostAlertsUpdate, Payload: costPayload},
	}, nil
}

func (p *HTTPPuller) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", path, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raw, nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
