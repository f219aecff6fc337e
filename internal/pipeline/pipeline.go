// Package pipeline wires the watcher, cache, alert engine, distributor,
// and notification sink into the invalidate-reload-evaluate-publish chain.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atelierops/pipewatch/pkg/cache"
	"github.com/atelierops/pipewatch/pkg/costalert"
	"github.com/atelierops/pipewatch/pkg/model"
	"github.com/atelierops/pipewatch/pkg/notify"
	"github.com/atelierops/pipewatch/pkg/realtime"
	"github.com/atelierops/pipewatch/pkg/storage"
	"github.com/atelierops/pipewatch/pkg/watcher"
)

// MetricsPayload is the metrics:update event body.
type MetricsPayload struct {
	Budget     []model.SpendRecord  `json:"budget"`
	Health     []model.HealthRecord `json:"health"`
	Tests      []model.TestResult   `json:"tests"`
	Alerts     []model.FeedAlert    `json:"alerts"`
	CostAlerts []model.CostAlert    `json:"costAlerts"`
	Timestamp  time.Time            `json:"timestamp"`
}

// CostAlertsPayload is the cost-alerts:update event body and the
// /api/cost-alerts response shape.
type CostAlertsPayload struct {
	Alerts     []model.CostAlert          `json:"alerts"`
	AlertStats costalert.Stats            `json:"alertStats"`
	Thresholds map[string]model.Threshold `json:"thresholds"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Pipeline owns the control flow from a debounced file change to a
// published update. Changes are handled one at a time; the cache's own
// de-duplication covers concurrent readers.
type Pipeline struct {
	cache      *cache.Cache
	engine     *costalert.Engine
	hub        *realtime.Hub
	dispatcher *notify.Dispatcher
	store      storage.AlertStore
	logger     *slog.Logger

	mu             sync.Mutex
	lastCostAlerts []model.CostAlert
}

// New creates a pipeline. store may be nil to disable alert history.
func New(c *cache.Cache, engine *costalert.Engine, hub *realtime.Hub, dispatcher *notify.Dispatcher, store storage.AlertStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cache:      c,
		engine:     engine,
		hub:        hub,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
}

// Run consumes debounced changes until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, changes <-chan watcher.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			p.handleChange(ctx, ch)
		}
	}
}

// handleChange runs one invalidate -> reload -> evaluate -> publish chain.
func (p *Pipeline) handleChange(ctx context.Context, ch watcher.Change) {
	cleared := p.cache.Invalidate(ch.Classification)
	if len(cleared) == 0 {
		return
	}
	p.logger.Info("source changed",
		"path", ch.Path,
		"classification", ch.Classification,
		"invalidated", cleared,
	)

	spendCleared := false
	for _, k := range cleared {
		if k == cache.KeySpend {
			spendCleared = true
		}
	}

	// Reload completes (or fails) before evaluation sees the data; the
	// alerts key reloads last through its declared dependencies.
	if _, err := p.cache.Alerts(ctx); err != nil {
		p.logger.Error("reload after change failed", "path", ch.Path, "error", err)
	}

	if spendCleared {
		if _, err := p.Evaluate(ctx); err != nil {
			p.logger.Error("evaluate after spend change failed", "error", err)
		}
	}
	p.publishMetrics(ctx)
}

// Evaluate reads current spend, runs the alert engine, persists and
// delivers the result, and publishes a cost-alerts:update. Sink and
// history failures are logged only.
func (p *Pipeline) Evaluate(ctx context.Context) (CostAlertsPayload, error) {
	spend, err := p.cache.Spend(ctx)
	if err != nil {
		return CostAlertsPayload{}, err
	}

	alerts := p.engine.Evaluate(spend)

	p.mu.Lock()
	p.lastCostAlerts = alerts
	p.mu.Unlock()

	if len(alerts) > 0 {
		if p.store != nil {
			if err := p.store.RecordAlerts(ctx, alerts); err != nil {
				p.logger.Error("persist alerts failed", "count", len(alerts), "error", err)
			}
		}
		p.dispatcher.Dispatch(ctx, alerts)
	}

	payload := p.costAlertsPayload(alerts)
	p.hub.Publish(realtime.Event{Type: realtime.EventCostAlertsUpdate, Payload: payload})
	return payload, nil
}

// EvaluateFresh forces a fresh spend read before evaluating, for the
// /api/cost-alerts endpoint.
func (p *Pipeline) EvaluateFresh(ctx context.Context) (CostAlertsPayload, error) {
	p.cache.Invalidate(model.ClassSpendSource)
	return p.Evaluate(ctx)
}

// RefreshAll reloads the whole cache in dependency order, re-evaluates,
// and publishes fresh snapshots.
func (p *Pipeline) RefreshAll(ctx context.Context) error {
	if err := p.cache.RefreshAll(ctx); err != nil {
		return err
	}
	if _, err := p.Evaluate(ctx); err != nil {
		return err
	}
	p.publishMetrics(ctx)
	return nil
}

// LastCostAlerts returns the most recent evaluation's alerts.
func (p *Pipeline) LastCostAlerts() []model.CostAlert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCostAlerts
}

func (p *Pipeline) costAlertsPayload(alerts []model.CostAlert) CostAlertsPayload {
	if alerts == nil {
		alerts = []model.CostAlert{}
	}
	return CostAlertsPayload{
		Alerts:     alerts,
		AlertStats: p.engine.Stats(),
		Thresholds: p.engine.Thresholds(),
		Timestamp:  time.Now().UTC(),
	}
}

// publishMetrics broadcasts the current cache contents. Keys that fail to
// load are published as empty; the HTTP surface reports their errors.
func (p *Pipeline) publishMetrics(ctx context.Context) {
	payload := MetricsPayload{Timestamp: time.Now().UTC(), CostAlerts: p.LastCostAlerts()}
	if payload.CostAlerts == nil {
		payload.CostAlerts = []model.CostAlert{}
	}

	var err error
	if payload.Budget, err = p.cache.Spend(ctx); err != nil {
		p.logger.Warn("publish without spend", "error", err)
		payload.Budget = []model.SpendRecord{}
	}
	if payload.Health, err = p.cache.Health(ctx); err != nil {
		p.logger.Warn("publish without health", "error", err)
		payload.Health = []model.HealthRecord{}
	}
	if payload.Tests, err = p.cache.Tests(ctx); err != nil {
		p.logger.Warn("publish without tests", "error", err)
		payload.Tests = []model.TestResult{}
	}
	if payload.Alerts, err = p.cache.Alerts(ctx); err != nil {
		p.logger.Warn("publish without alerts", "error", err)
		payload.Alerts = []model.FeedAlert{}
	}

	p.hub.Publish(realtime.Event{Type: realtime.EventMetricsUpdate, Payload: payload})
}
