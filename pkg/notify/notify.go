// Package notify delivers cost alerts to external channels. Delivery is
// best-effort: failures are logged by the dispatcher and never propagate
// into the alert pipeline.
package notify

import (
	"context"

	"github.com/atelierops/pipewatch/pkg/model"
)

// Notifier sends alerts to an external system.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers a single alert. Implementations must be safe for
	// concurrent use.
	Send(ctx context.Context, alert model.CostAlert) error

	// SendSummary delivers a batched summary of several alerts from one
	// evaluation.
	SendSummary(ctx context.Context, alerts []model.CostAlert) error
}
