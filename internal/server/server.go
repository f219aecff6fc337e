// Package server exposes the cache, alert engine, and pipeline over the
// dashboard HTTP API, plus the websocket push endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/atelierops/pipewatch/internal/pipeline"
	"github.com/atelierops/pipewatch/pkg/cache"
	"github.com/atelierops/pipewatch/pkg/costalert"
	"github.com/atelierops/pipewatch/pkg/model"
	"github.com/atelierops/pipewatch/pkg/notify"
	"github.com/atelierops/pipewatch/pkg/realtime"
	"github.com/atelierops/pipewatch/pkg/storage"
	"github.com/atelierops/pipewatch/pkg/watcher"
)

// Server provides the dashboard and operator API.
type Server struct {
	cache         *cache.Cache
	engine        *costalert.Engine
	pipe          *pipeline.Pipeline
	dispatcher    *notify.Dispatcher
	hub           *realtime.Hub
	store         storage.AlertStore
	watcherStatus func() watcher.Status
	mux           *http.ServeMux
	logger        *slog.Logger
}

// Deps bundles the server's collaborators. Store may be nil when history
// is disabled.
type Deps struct {
	Cache         *cache.Cache
	Engine        *costalert.Engine
	Pipeline      *pipeline.Pipeline
	Dispatcher    *notify.Dispatcher
	Hub           *realtime.Hub
	Store         storage.AlertStore
	WatcherStatus func() watcher.Status
}

// NewServer creates an API server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cache:         deps.Cache,
		engine:        deps.Engine,
		pipe:          deps.Pipeline,
		dispatcher:    deps.Dispatcher,
		hub:           deps.Hub,
		store:         deps.Store,
		watcherStatus: deps.WatcherStatus,
		mux:           http.NewServeMux(),
		logger:        logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/budget", s.handleBudget)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tests", s.handleTests)
	s.mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	s.mux.HandleFunc("GET /api/cost-alerts", s.handleCostAlerts)
	s.mux.HandleFunc("GET /api/cost-alerts/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/cost-alerts/config", s.handleUpdateConfig)
	s.mux.HandleFunc("GET /api/cost-alerts/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/cost-alerts/test", s.handleTestDelivery)
	s.mux.HandleFunc("POST /api/cost-alerts/clear-cooldowns", s.handleClearCooldowns)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.Handle("GET /ws", s.hub)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"cache":        s.cache.Status(),
		"generated_at": s.cache.GeneratedAt(),
		"alert_stats":  s.engine.Stats(),
		"subscribers":  s.hub.ClientCount(),
		"timestamp":    time.Now().UTC(),
	}
	if s.watcherStatus != nil {
		resp["watcher"] = s.watcherStatus()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	spend, err := s.cache.Spend(ctx)
	if err != nil {
		s.logger.Error("load spend", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, spend)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	health, err := s.cache.Health(ctx)
	if err != nil {
		s.logger.Error("load health", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	tests, err := s.cache.Tests(ctx)
	if err != nil {
		s.logger.Error("load tests", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	alerts, err := s.cache.Alerts(ctx)
	if err != nil {
		s.logger.Error("load alerts", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleCostAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	payload, err := s.pipe.EvaluateFresh(ctx)
	if err != nil {
		s.logger.Error("evaluate cost alerts", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"thresholds":  s.engine.Thresholds(),
		"alert_stats": s.engine.Stats(),
		"sinks":       redactSinks(s.dispatcher.Settings()),
		"notifiers":   s.dispatcher.NotifierCount(),
	})
}

// redactSinks strips the webhook signing secret from API responses.
func redactSinks(settings notify.Settings) notify.Settings {
	settings.Webhook.Secret = ""
	return settings
}

// configUpdate is the POST /api/cost-alerts/config body. Absent sections
// leave the corresponding configuration untouched.
type configUpdate struct {
	Thresholds map[string]model.Threshold `json:"thresholds"`
	Slack      *notify.SlackSettings      `json:"slack"`
	Webhook    *notify.WebhookSettings    `json:"webhook"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(update.Thresholds) == 0 && update.Slack == nil && update.Webhook == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty update"})
		return
	}

	// Validate everything before applying anything; a rejected update
	// leaves the previous configuration fully effective.
	for key, t := range update.Thresholds {
		if key == "" || t.DailyLimit < 0 || t.MonthlyLimit < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid threshold for key " + strconv.Quote(key),
			})
			return
		}
	}
	if update.Slack != nil && update.Slack.Enabled && update.Slack.WebhookURL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "slack enabled without webhook_url"})
		return
	}
	if update.Webhook != nil && update.Webhook.Enabled && update.Webhook.URL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "webhook enabled without url"})
		return
	}

	if len(update.Thresholds) > 0 {
		s.engine.UpdateThresholds(update.Thresholds)
		s.logger.Info("thresholds updated", "keys", len(update.Thresholds))
	}
	if update.Slack != nil || update.Webhook != nil {
		settings := s.dispatcher.Settings()
		if update.Slack != nil {
			settings.Slack = *update.Slack
		}
		if update.Webhook != nil {
			settings.Webhook = *update.Webhook
		}
		s.dispatcher.Reconfigure(settings)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": s.engine.Thresholds(),
		"sinks":      redactSinks(s.dispatcher.Settings()),
		"notifiers":  s.dispatcher.NotifierCount(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert history disabled"})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	alerts, err := s.store.RecentAlerts(ctx, limit)
	if err != nil {
		s.logger.Error("read alert history", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []model.CostAlert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleTestDelivery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	results := s.dispatcher.SendTest(ctx)
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleClearCooldowns(w http.ResponseWriter, _ *http.Request) {
	s.engine.ClearCooldowns()
	s.logger.Info("cooldowns cleared")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.pipe.RefreshAll(ctx); err != nil {
		s.logger.Error("refresh all", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "refreshed",
		"cache":  s.cache.Status(),
	})
}
