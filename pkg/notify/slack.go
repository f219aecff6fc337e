package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atelierops/pipewatch/pkg/model"
)

// SlackNotifier sends cost alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, alert model.CostAlert) error {
	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color: severityColor(alert.Severity),
				Title: fmt.Sprintf("Cost alert: %s over %s budget", alert.Service, alert.Period),
				Fields: []slackField{
					{Title: "Service", Value: alert.Service, Short: true},
					{Title: "Period", Value: string(alert.Period), Short: true},
					{Title: "Current Spend", Value: fmt.Sprintf("$%.2f", alert.CurrentCost), Short: true},
					{Title: "Threshold", Value: fmt.Sprintf("$%.2f", alert.Threshold), Short: true},
					{Title: "Overrun", Value: fmt.Sprintf("$%.2f", alert.Overrun), Short: true},
					{Title: "Usage", Value: fmt.Sprintf("%.0f%%", alert.Percentage), Short: true},
				},
				Footer: "pipewatch",
				Ts:     alert.Timestamp.Unix(),
			},
		},
	}
	return s.post(ctx, payload)
}

func (s *SlackNotifier) SendSummary(ctx context.Context, alerts []model.CostAlert) error {
	fields := make([]slackField, 0, len(alerts))
	for _, a := range alerts {
		fields = append(fields, slackField{
			Title: fmt.Sprintf("%s (%s)", a.Service, a.Period),
			Value: fmt.Sprintf("$%.2f / $%.2f", a.CurrentCost, a.Threshold),
			Short: true,
		})
	}
	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color:  severityColor(model.SeverityCritical),
				Title:  fmt.Sprintf("%d critical cost alerts in one evaluation", len(alerts)),
				Fields: fields,
				Footer: "pipewatch",
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.post(ctx, payload)
}

func (s *SlackNotifier) post(ctx context.Context, payload slackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func severityColor(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "#cc0000"
	case model.SeverityHigh:
		return "#ff0000"
	case model.SeverityMedium:
		return "#ff9900"
	default:
		return "#36a64f"
	}
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
