package sources_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierops/pipewatch/internal/sources"
	"github.com/atelierops/pipewatch/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testPaths(t *testing.T) sources.Paths {
	t.Helper()
	dir := t.TempDir()
	return sources.Paths{
		SpendFile:      filepath.Join(dir, "cost-tracking.jsonl"),
		HealthFile:     filepath.Join(dir, "error-log.jsonl"),
		SmokeFile:      filepath.Join(dir, "smoke-results.json"),
		TestResultsDir: filepath.Join(dir, "test-results"),
	}
}

func TestFetchers_SpendLatestPerService(t *testing.T) {
	p := testPaths(t)
	writeFile(t, p.SpendFile, `
{"service":"OpenAI Chat","daily_spend":1.00,"monthly_spend":10.00}
{"service":"Anthropic","daily_spend":2.00,"monthly_spend":20.00}
{"service":"OpenAI Chat","daily_spend":3.50,"monthly_spend":13.50}
`)

	f := sources.Fetchers(p, testLogger())
	spend, err := f.Spend(context.Background())
	require.NoError(t, err)
	require.Len(t, spend, 2)
	assert.Equal(t, "OpenAI Chat", spend[0].Service)
	assert.InDelta(t, 3.50, spend[0].DailySpend, 0.001, "later line supersedes")
	assert.Equal(t, "Anthropic", spend[1].Service)
}

func TestFetchers_SpendMissingFileErrors(t *testing.T) {
	p := testPaths(t)
	f := sources.Fetchers(p, testLogger())
	_, err := f.Spend(context.Background())
	assert.Error(t, err)
}

func TestFetchers_HealthNewestPerService(t *testing.T) {
	p := testPaths(t)
	writeFile(t, p.HealthFile, `
{"service":"OpenAI Chat","status":"ok","error_count":0}
{"service":"OpenAI Chat","status":"degraded","error_count":4,"last_error":"429"}
`)

	f := sources.Fetchers(p, testLogger())
	health, err := f.Health(context.Background())
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, model.HealthDegraded, health[0].Status)
	assert.Equal(t, 4, health[0].ErrorCount)
}

func TestFetchers_TestsMergeSmokeAndRuns(t *testing.T) {
	p := testPaths(t)
	writeFile(t, p.SmokeFile, `[{"name":"ping","passed":true},{"name":"auth","passed":false}]`)
	require.NoError(t, os.MkdirAll(p.TestResultsDir, 0o755))
	writeFile(t, filepath.Join(p.TestResultsDir, "run-001.json"),
		`{"run_id":"run-001","suite":"nightly","results":[{"name":"e2e","passed":true}]}`)
	writeFile(t, filepath.Join(p.TestResultsDir, "broken.json"), `{not json`)

	f := sources.Fetchers(p, testLogger())
	tests, err := f.Tests(context.Background())
	require.NoError(t, err)
	require.Len(t, tests, 3, "malformed run document skipped, not fatal")

	assert.Equal(t, "smoke", tests[0].Suite, "smoke default suite")
	assert.Equal(t, "nightly", tests[2].Suite)
	assert.Equal(t, "run-001", tests[2].RunID)
}

func TestFetchers_TestsMissingRunDirTolerated(t *testing.T) {
	p := testPaths(t)
	writeFile(t, p.SmokeFile, `[]`)

	f := sources.Fetchers(p, testLogger())
	tests, err := f.Tests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestDeriveFeedAlerts(t *testing.T) {
	health := []model.HealthRecord{
		{Service: "OpenAI", Status: model.HealthOK},
		{Service: "Anthropic", Status: model.HealthDown, LastError: "timeout"},
		{Service: "Gemini", Status: model.HealthDegraded, ErrorCount: 3},
	}
	tests := []model.TestResult{
		{Suite: "smoke", Name: "ping", Passed: true},
		{Suite: "smoke", Name: "auth", Passed: false},
	}

	alerts, err := sources.DeriveFeedAlerts(context.Background(), nil, health, tests)
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "Anthropic", alerts[0].Service)
	assert.Equal(t, model.SeverityMedium, alerts[1].Severity)
	assert.Equal(t, "tests", alerts[2].Source)
	assert.Contains(t, alerts[2].Message, "auth")
	assert.NotEmpty(t, alerts[0].ID)
}
