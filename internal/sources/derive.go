package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelierops/pipewatch/pkg/model"
)

// DeriveFeedAlerts computes the dashboard alert feed from the three source
// collections. It is the cache's deriver for the alerts key.
func DeriveFeedAlerts(_ context.Context, _ []model.SpendRecord, health []model.HealthRecord, tests []model.TestResult) ([]model.FeedAlert, error) {
	now := time.Now().UTC()
	var alerts []model.FeedAlert

	for _, h := range health {
		switch h.Status {
		case model.HealthDown:
			alerts = append(alerts, model.FeedAlert{
				ID:        uuid.New().String(),
				Source:    "health",
				Severity:  model.SeverityHigh,
				Service:   h.Service,
				Message:   fmt.Sprintf("%s is down: %s", h.Service, h.LastError),
				CreatedAt: now,
			})
		case model.HealthDegraded:
			alerts = append(alerts, model.FeedAlert{
				ID:        uuid.New().String(),
				Source:    "health",
				Severity:  model.SeverityMedium,
				Service:   h.Service,
				Message:   fmt.Sprintf("%s is degraded (%d recent errors)", h.Service, h.ErrorCount),
				CreatedAt: now,
			})
		}
	}

	for _, t := range tests {
		if t.Passed {
			continue
		}
		alerts = append(alerts, model.FeedAlert{
			ID:        uuid.New().String(),
			Source:    "tests",
			Severity:  model.SeverityMedium,
			Message:   fmt.Sprintf("test %s/%s failed", t.Suite, t.Name),
			CreatedAt: now,
		})
	}

	return alerts, nil
}
