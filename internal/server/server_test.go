package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierops/pipewatch/internal/pipeline"
	"github.com/atelierops/pipewatch/internal/server"
	"github.com/atelierops/pipewatch/pkg/cache"
	"github.com/atelierops/pipewatch/pkg/costalert"
	"github.com/atelierops/pipewatch/pkg/model"
	"github.com/atelierops/pipewatch/pkg/notify"
	"github.com/atelierops/pipewatch/pkg/realtime"
	"github.com/atelierops/pipewatch/pkg/storage"
	"github.com/atelierops/pipewatch/pkg/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serverFixture struct {
	ts        *httptest.Server
	engine    *costalert.Engine
	spendFail *atomic.Bool
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()

	var spendFail atomic.Bool
	fetchers := cache.Fetchers{
		Spend: func(context.Context) ([]model.SpendRecord, error) {
			if spendFail.Load() {
				return nil, errors.New("spend source unreadable")
			}
			return []model.SpendRecord{{Service: "OpenAI Chat", DailySpend: 10.50, MonthlySpend: 80}}, nil
		},
		Health: func(context.Context) ([]model.HealthRecord, error) {
			return []model.HealthRecord{{Service: "OpenAI Chat", Status: model.HealthOK}}, nil
		},
		Tests: func(context.Context) ([]model.TestResult, error) {
			return []model.TestResult{{Suite: "smoke", Name: "ping", Passed: true}}, nil
		},
	}
	derive := func(context.Context, []model.SpendRecord, []model.HealthRecord, []model.TestResult) ([]model.FeedAlert, error) {
		return nil, nil
	}

	c := cache.New(fetchers, derive, testLogger())
	engine := costalert.New(costalert.DefaultConfig(), map[string]model.Threshold{
		"openai": {DailyLimit: 5.00},
	}, testLogger())

	hub := realtime.NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	dispatcher := notify.NewDispatcher(nil, testLogger())

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.New(c, engine, hub, dispatcher, store, testLogger())

	srv := server.NewServer(server.Deps{
		Cache:      c,
		Engine:     engine,
		Pipeline:   pipe,
		Dispatcher: dispatcher,
		Hub:        hub,
		Store:      store,
		WatcherStatus: func() watcher.Status {
			return watcher.Status{Active: true, Watched: 4}
		},
	}, testLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, engine: engine, spendFail: &spendFail}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url, body string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_Status(t *testing.T) {
	fx := setupServer(t)

	var status map[string]any
	resp := getJSON(t, fx.ts.URL+"/api/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, status, "cache")
	assert.Contains(t, status, "watcher")
	assert.Contains(t, status, "alert_stats")
}

func TestServer_BudgetLazyLoad(t *testing.T) {
	fx := setupServer(t)

	var spend []model.SpendRecord
	resp := getJSON(t, fx.ts.URL+"/api/budget", &spend)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, spend, 1)
	assert.Equal(t, "OpenAI Chat", spend[0].Service)
}

func TestServer_BudgetFetchFailure(t *testing.T) {
	fx := setupServer(t)
	fx.spendFail.Store(true)

	var body map[string]string
	resp := getJSON(t, fx.ts.URL+"/api/budget", &body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["error"], "unreadable")

	// Other keys remain servable.
	resp = getJSON(t, fx.ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CostAlertsEvaluates(t *testing.T) {
	fx := setupServer(t)

	var payload pipeline.CostAlertsPayload
	resp := getJSON(t, fx.ts.URL+"/api/cost-alerts", &payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload.Alerts, 1)
	assert.Equal(t, model.SeverityCritical, payload.Alerts[0].Severity)
	assert.Contains(t, payload.Thresholds, "openai")
}

func TestServer_ConfigUpdateAndReject(t *testing.T) {
	fx := setupServer(t)

	resp := postJSON(t, fx.ts.URL+"/api/cost-alerts/config",
		`{"thresholds":{"anthropic":{"daily_limit":8.0}}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, fx.engine.Thresholds(), "anthropic")

	// Malformed update rejected, previous configuration retained.
	resp = postJSON(t, fx.ts.URL+"/api/cost-alerts/config",
		`{"thresholds":{"gemini":{"daily_limit":-1}}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotContains(t, fx.engine.Thresholds(), "gemini")

	resp = postJSON(t, fx.ts.URL+"/api/cost-alerts/config", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var cfg map[string]any
	resp = getJSON(t, fx.ts.URL+"/api/cost-alerts/config", &cfg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, cfg, "thresholds")
}

func TestServer_SinkConfigUpdate(t *testing.T) {
	fx := setupServer(t)

	var deliveries atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		deliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	resp := postJSON(t, fx.ts.URL+"/api/cost-alerts/config",
		`{"thresholds":{"deepgram":{"daily_limit":4.0}},"webhook":{"enabled":true,"url":"`+sink.URL+`","secret":"s3cret"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg struct {
		Sinks      notify.Settings            `json:"sinks"`
		Notifiers  int                        `json:"notifiers"`
		Thresholds map[string]model.Threshold `json:"thresholds"`
	}
	resp = getJSON(t, fx.ts.URL+"/api/cost-alerts/config", &cfg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, cfg.Sinks.Webhook.Enabled)
	assert.Equal(t, sink.URL, cfg.Sinks.Webhook.URL)
	assert.Empty(t, cfg.Sinks.Webhook.Secret, "signing secret not exposed")
	assert.Equal(t, 1, cfg.Notifiers)
	assert.Contains(t, cfg.Thresholds, "deepgram")

	// Delivery test reaches the newly configured sink.
	postJSON(t, fx.ts.URL+"/api/cost-alerts/test", "", nil)
	assert.Equal(t, int64(1), deliveries.Load())

	// An enabled sink without a destination is rejected whole; the
	// previous sink configuration stays effective.
	resp = postJSON(t, fx.ts.URL+"/api/cost-alerts/config", `{"slack":{"enabled":true}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	postJSON(t, fx.ts.URL+"/api/cost-alerts/test", "", nil)
	assert.Equal(t, int64(2), deliveries.Load())
}

func TestServer_ClearCooldowns(t *testing.T) {
	fx := setupServer(t)

	var first pipeline.CostAlertsPayload
	getJSON(t, fx.ts.URL+"/api/cost-alerts", &first)
	require.Len(t, first.Alerts, 1)

	var second pipeline.CostAlertsPayload
	getJSON(t, fx.ts.URL+"/api/cost-alerts", &second)
	assert.Empty(t, second.Alerts, "suppressed by cooldown")

	resp := postJSON(t, fx.ts.URL+"/api/cost-alerts/clear-cooldowns", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var third pipeline.CostAlertsPayload
	getJSON(t, fx.ts.URL+"/api/cost-alerts", &third)
	assert.Len(t, third.Alerts, 1, "fires again after clearing")
}

func TestServer_History(t *testing.T) {
	fx := setupServer(t)

	getJSON(t, fx.ts.URL+"/api/cost-alerts", nil) // fires and persists one alert

	var history []model.CostAlert
	resp := getJSON(t, fx.ts.URL+"/api/cost-alerts/history?limit=10", &history)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	assert.Equal(t, "openai", history[0].ServiceKey)

	resp = getJSON(t, fx.ts.URL+"/api/cost-alerts/history?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Refresh(t *testing.T) {
	fx := setupServer(t)

	var body map[string]any
	resp := postJSON(t, fx.ts.URL+"/api/refresh", "", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refreshed", body["status"])
}

func TestServer_TestDelivery(t *testing.T) {
	fx := setupServer(t)

	var body map[string]map[string]string
	resp := postJSON(t, fx.ts.URL+"/api/cost-alerts/test", "", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["results"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	fx := setupServer(t)

	resp, err := http.Get(fx.ts.URL + "/api/refresh")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
