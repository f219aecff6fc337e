package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/atelierops/pipewatch/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements AlertStore using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordAlerts(ctx context.Context, alerts []model.CostAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert insert: %w", err)
	}

	for _, a := range alerts {
		if a.AlertID == "" {
			a.AlertID = uuid.New().String()
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cost_alerts (alert_id, severity, service, service_key, current_cost, threshold, overrun, percentage, period, fired_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.AlertID, string(a.Severity), a.Service, a.ServiceKey,
			a.CurrentCost, a.Threshold, a.Overrun, a.Percentage,
			string(a.Period), a.Timestamp,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert alert %s: %w", a.AlertID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert insert: %w", err)
	}
	return nil
}

func (s *SQLite) RecentAlerts(ctx context.Context, limit int) ([]model.CostAlert, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, severity, service, service_key, current_cost, threshold, overrun, percentage, period, fired_at
		 FROM cost_alerts ORDER BY fired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.CostAlert
	for rows.Next() {
		var a model.CostAlert
		var severity, period string
		if err := rows.Scan(&a.AlertID, &severity, &a.Service, &a.ServiceKey,
			&a.CurrentCost, &a.Threshold, &a.Overrun, &a.Percentage,
			&period, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Severity = model.Severity(severity)
		a.Period = model.Period(period)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
