package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierops/pipewatch/pkg/model"
)

// SlackSettings configures the Slack sink.
type SlackSettings struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// WebhookSettings configures the generic webhook sink.
type WebhookSettings struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
}

// Settings holds the full sink configuration. It is the unit of runtime
// reconfiguration: Reconfigure replaces every sink from one Settings value.
type Settings struct {
	Slack   SlackSettings   `json:"slack"`
	Webhook WebhookSettings `json:"webhook"`
}

// BuildNotifiers creates the notifier set described by s. Disabled sinks
// and sinks without a destination produce nothing.
func BuildNotifiers(s Settings) []Notifier {
	var notifiers []Notifier
	if s.Slack.Enabled && s.Slack.WebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(s.Slack.WebhookURL, s.Slack.Channel))
	}
	if s.Webhook.Enabled && s.Webhook.URL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(s.Webhook.URL, s.Webhook.Secret))
	}
	return notifiers
}

// Dispatcher routes evaluation results to the configured notifiers. Only
// high and critical alerts are delivered individually; when a single
// evaluation produces two or more critical alerts, one batched summary is
// sent in addition. Sink failures are logged and swallowed so the alert
// pipeline's own state is never affected.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
	settings  Settings
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(notifiers []Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// NewDispatcherFromSettings creates a dispatcher with sinks built from s.
func NewDispatcherFromSettings(s Settings, logger *slog.Logger) *Dispatcher {
	d := NewDispatcher(BuildNotifiers(s), logger)
	d.settings = s
	return d
}

// Reconfigure replaces the sink set with one built from s. Deliveries in
// flight finish against the notifiers they started with.
func (d *Dispatcher) Reconfigure(s Settings) {
	notifiers := BuildNotifiers(s)
	d.mu.Lock()
	d.settings = s
	d.notifiers = notifiers
	d.mu.Unlock()
	d.logger.Info("notification sinks reconfigured", "notifiers", len(notifiers))
}

// Settings returns the current sink configuration.
func (d *Dispatcher) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

func (d *Dispatcher) currentNotifiers() []Notifier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notifiers
}

// Dispatch delivers the alerts from one evaluation.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []model.CostAlert) {
	notifiers := d.currentNotifiers()
	if len(notifiers) == 0 || len(alerts) == 0 {
		return
	}

	var critical []model.CostAlert
	for _, a := range alerts {
		if a.Severity == model.SeverityCritical {
			critical = append(critical, a)
		}
		if a.Severity.Rank() < model.SeverityHigh.Rank() {
			continue
		}
		for _, n := range notifiers {
			if err := n.Send(ctx, a); err != nil {
				d.logger.Error("alert delivery failed",
					"notifier", n.Name(),
					"service", a.Service,
					"period", a.Period,
					"error", err,
				)
			}
		}
	}

	if len(critical) >= 2 {
		for _, n := range notifiers {
			if err := n.SendSummary(ctx, critical); err != nil {
				d.logger.Error("summary delivery failed",
					"notifier", n.Name(),
					"count", len(critical),
					"error", err,
				)
			}
		}
	}
}

// SendTest pushes a synthetic critical alert through every notifier and
// returns per-notifier results, for the delivery-test endpoint.
func (d *Dispatcher) SendTest(ctx context.Context) map[string]string {
	alert := model.CostAlert{
		AlertID:     uuid.New().String(),
		Severity:    model.SeverityCritical,
		Service:     "Test Service",
		ServiceKey:  "test-service",
		CurrentCost: 21.00,
		Threshold:   10.00,
		Overrun:     11.00,
		Percentage:  210,
		Period:      model.PeriodDaily,
		Timestamp:   time.Now().UTC(),
	}

	notifiers := d.currentNotifiers()
	results := make(map[string]string, len(notifiers))
	for _, n := range notifiers {
		if err := n.Send(ctx, alert); err != nil {
			results[n.Name()] = err.Error()
			continue
		}
		results[n.Name()] = "ok"
	}
	return results
}

// NotifierCount reports how many sinks are configured.
func (d *Dispatcher) NotifierCount() int { return len(d.currentNotifiers()) }
