// Package storage persists the cost-alert history so operators can review
// what fired after the fact. The live pipeline never reads from here.
package storage

import (
	"context"

	"github.com/atelierops/pipewatch/pkg/model"
)

// AlertStore is the persistence layer for emitted cost alerts.
type AlertStore interface {
	// RecordAlerts persists the alerts from one evaluation.
	RecordAlerts(ctx context.Context, alerts []model.CostAlert) error

	// RecentAlerts returns the most recent alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]model.CostAlert, error)

	// Close releases resources.
	Close() error
}
