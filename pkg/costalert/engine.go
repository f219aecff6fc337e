// Package costalert evaluates service spend snapshots against configured
// thresholds and emits severity-tiered cost alerts with per-service cooldowns.
package costalert

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierops/pipewatch/pkg/model"
)

// Config holds the engine's tunable business parameters. The ratio cut
// points and cooldown window are defaults, not protocol constants.
type Config struct {
	CooldownWindow time.Duration
	CriticalRatio  float64
	HighRatio      float64
	MediumRatio    float64
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		CooldownWindow: time.Hour,
		CriticalRatio:  2.0,
		HighRatio:      1.5,
		MediumRatio:    1.2,
	}
}

// defaultServiceKeys maps display names from spend sources to canonical
// threshold keys. Names not listed here fall back to NormalizeKey.
var defaultServiceKeys = map[string]string{
	"OpenAI Chat":      "openai",
	"OpenAI":           "openai",
	"OpenAI Embedding": "openai",
	"Anthropic Claude": "anthropic",
	"Anthropic":        "anthropic",
	"Google Gemini":    "gemini",
	"ElevenLabs TTS":   "elevenlabs",
	"Deepgram STT":     "deepgram",
	"Serper Search":    "serper",
}

// NormalizeKey lowercases a display name and collapses runs of
// non-alphanumeric characters to single hyphens.
func NormalizeKey(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Stats summarizes engine state for health and config endpoints.
type Stats struct {
	ThresholdCount  int           `json:"threshold_count"`
	ActiveCooldowns int           `json:"active_cooldowns"`
	CooldownWindow  time.Duration `json:"cooldown_window"`
}

// Engine evaluates spend snapshots against a threshold table. It owns the
// cooldown map and the threshold table for the process lifetime; both are
// mutated only through its methods.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	thresholds  map[string]model.Threshold
	serviceKeys map[string]string
	cooldowns   map[string]time.Time
	logger      *slog.Logger

	now func() time.Time // overridable in tests
}

// New creates an engine with the given configuration and initial threshold
// table. A nil table starts empty; services without an entry are never
// evaluated.
func New(cfg Config, thresholds map[string]model.Threshold, logger *slog.Logger) *Engine {
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		thresholds:  make(map[string]model.Threshold, len(thresholds)),
		serviceKeys: defaultServiceKeys,
		cooldowns:   make(map[string]time.Time),
		logger:      logger,
		now:         time.Now,
	}
	for k, v := range thresholds {
		e.thresholds[k] = v
	}
	return e
}

// ServiceKey resolves a spend record's display name to its threshold key.
func (e *Engine) ServiceKey(displayName string) string {
	if key, ok := e.serviceKeys[displayName]; ok {
		return key
	}
	return NormalizeKey(displayName)
}

// Evaluate compares every record in the snapshot against the threshold
// table and returns the alerts that fired. Daily and monthly limits are
// evaluated independently with independent cooldown buckets. Emission
// order follows snapshot order.
func (e *Engine) Evaluate(snapshot []model.SpendRecord) []model.CostAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var fired []model.CostAlert
	for _, rec := range snapshot {
		key := e.ServiceKey(rec.Service)
		th, ok := e.thresholds[key]
		if !ok {
			continue
		}
		if a, ok := e.evaluateOne(rec, key, model.PeriodDaily, rec.DailySpend, th.DailyLimit, now); ok {
			fired = append(fired, a)
		}
		if a, ok := e.evaluateOne(rec, key, model.PeriodMonthly, rec.MonthlySpend, th.MonthlyLimit, now); ok {
			fired = append(fired, a)
		}
	}
	return fired
}

// evaluateOne checks a single (service, period) pair. Caller holds the lock.
func (e *Engine) evaluateOne(rec model.SpendRecord, key string, period model.Period, spend, limit float64, now time.Time) (model.CostAlert, bool) {
	if limit <= 0 || spend <= limit {
		return model.CostAlert{}, false
	}

	cdKey := cooldownKey(key, period, now)
	if last, ok := e.cooldowns[cdKey]; ok && now.Sub(last) < e.cfg.CooldownWindow {
		return model.CostAlert{}, false
	}
	e.cooldowns[cdKey] = now

	ratio := spend / limit
	alert := model.CostAlert{
		AlertID:     uuid.New().String(),
		Severity:    e.severityFor(ratio),
		Service:     rec.Service,
		ServiceKey:  key,
		CurrentCost: spend,
		Threshold:   limit,
		Overrun:     round2(spend - limit),
		Percentage:  round1(ratio * 100),
		Period:      period,
		Timestamp:   now,
	}

	e.logger.Warn("cost threshold exceeded",
		"service", rec.Service,
		"key", key,
		"period", period,
		"spend", spend,
		"limit", limit,
		"severity", alert.Severity,
	)
	return alert, true
}

func (e *Engine) severityFor(ratio float64) model.Severity {
	switch {
	case ratio >= e.cfg.CriticalRatio:
		return model.SeverityCritical
	case ratio >= e.cfg.HighRatio:
		return model.SeverityHigh
	case ratio >= e.cfg.MediumRatio:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// cooldownKey buckets daily alerts by calendar day and monthly alerts by
// calendar month, so a new period starts with a clean slate.
func cooldownKey(key string, period model.Period, now time.Time) string {
	bucket := now.UTC().Format("2006-01-02")
	if period == model.PeriodMonthly {
		bucket = now.UTC().Format("2006-01")
	}
	return key + "|" + string(period) + "|" + bucket
}

// UpdateThresholds merges the given entries into the threshold table.
// Existing keys not named in the update are retained.
func (e *Engine) UpdateThresholds(partial map[string]model.Threshold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range partial {
		e.thresholds[k] = v
	}
}

// Thresholds returns a copy of the current threshold table.
func (e *Engine) Thresholds() map[string]model.Threshold {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.Threshold, len(e.thresholds))
	for k, v := range e.thresholds {
		out[k] = v
	}
	return out
}

// ClearCooldowns empties the cooldown map so previously suppressed alerts
// may fire again on the next evaluation.
func (e *Engine) ClearCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = make(map[string]time.Time)
}

// Stats reports threshold and cooldown counts for observability endpoints.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	active := 0
	for _, last := range e.cooldowns {
		if now.Sub(last) < e.cfg.CooldownWindow {
			active++
		}
	}
	return Stats{
		ThresholdCount:  len(e.thresholds),
		ActiveCooldowns: active,
		CooldownWindow:  e.cfg.CooldownWindow,
	}
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
func round2(x float64) float64 { return math.Round(x*100) / 100 }
