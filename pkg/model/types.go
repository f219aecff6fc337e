package model

import "time"

// Severity indicates how far spend has run past its threshold.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns an ordering value for severity comparison (critical highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Period is the budget window a cost alert applies to.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Classification labels a changed source file by the metric collection it
// feeds. The watcher derives it from the changed path's name or extension;
// the cache maps it to the entries that must be cleared.
type Classification string

const (
	ClassSpendSource      Classification = "spend-source"
	ClassHealthSource     Classification = "health-source"
	ClassSmokeTestSource  Classification = "smoke-test-source"
	ClassTestResultSource Classification = "test-result-source"
)

// SpendRecord is one service's current API spend, as read from the
// cost-tracking source.
type SpendRecord struct {
	Service      string    `json:"service"`
	DailySpend   float64   `json:"daily_spend"`
	MonthlySpend float64   `json:"monthly_spend"`
	RequestCount int64     `json:"request_count,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// HealthStatus classifies an integration's current state.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthRecord is one integration's health, as read from the error-log source.
type HealthRecord struct {
	Service    string       `json:"service"`
	Status     HealthStatus `json:"status"`
	ErrorCount int          `json:"error_count"`
	LastError  string       `json:"last_error,omitempty"`
	CheckedAt  time.Time    `json:"checked_at,omitempty"`
}

// TestResult is a single smoke or pipeline test outcome.
type TestResult struct {
	Suite      string    `json:"suite"`
	Name       string    `json:"name"`
	Passed     bool      `json:"passed"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	RanAt      time.Time `json:"ran_at,omitempty"`
}

// FeedAlert is a derived dashboard alert computed from the spend, health,
// and test collections. It is the record type of the "alerts" cache key.
type FeedAlert struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // spend, health, or tests
	Severity  Severity  `json:"severity"`
	Service   string    `json:"service,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CostAlert is a threshold-overrun notification for one service and period.
type CostAlert struct {
	AlertID     string    `json:"alert_id"`
	Severity    Severity  `json:"severity"`
	Service     string    `json:"service"`
	ServiceKey  string    `json:"service_key"`
	CurrentCost float64   `json:"current_cost"`
	Threshold   float64   `json:"threshold"`
	Overrun     float64   `json:"overrun"`
	Percentage  float64   `json:"percentage"`
	Period      Period    `json:"period"`
	Timestamp   time.Time `json:"timestamp"`
}

// Threshold is the configured spend limit for one service key. A zero or
// negative limit disables evaluation for that period.
type Threshold struct {
	DailyLimit   float64 `json:"daily_limit" yaml:"daily_limit" mapstructure:"daily_limit"`
	MonthlyLimit float64 `json:"monthly_limit,omitempty" yaml:"monthly_limit,omitempty" mapstructure:"monthly_limit"`
}
