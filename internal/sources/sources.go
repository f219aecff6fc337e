// Package sources adapts the raw pipeline output files (spend tracking,
// error log, smoke results, per-run test documents) into the typed
// fetchers the cache consumes. Parsing here is deliberately thin; the
// numbers are computed upstream.
package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atelierops/pipewatch/pkg/cache"
	"github.com/atelierops/pipewatch/pkg/model"
)

// Paths locates the four metric sources on disk.
type Paths struct {
	SpendFile      string
	HealthFile     string
	SmokeFile      string
	TestResultsDir string
}

// All returns every path for watching.
func (p Paths) All() []string {
	return []string{p.SpendFile, p.HealthFile, p.SmokeFile, p.TestResultsDir}
}

// Fetchers builds the cache fetcher set over the given paths.
func Fetchers(p Paths, logger *slog.Logger) cache.Fetchers {
	if logger == nil {
		logger = slog.Default()
	}
	return cache.Fetchers{
		Spend: func(ctx context.Context) ([]model.SpendRecord, error) {
			return readSpend(ctx, p.SpendFile)
		},
		Health: func(ctx context.Context) ([]model.HealthRecord, error) {
			return readHealth(ctx, p.HealthFile)
		},
		Tests: func(ctx context.Context) ([]model.TestResult, error) {
			return readTests(ctx, p.SmokeFile, p.TestResultsDir, logger)
		},
	}
}

// readSpend parses the spend-tracking JSONL file. Later lines for the same
// service supersede earlier ones, so the result is one record per service.
func readSpend(ctx context.Context, path string) ([]model.SpendRecord, error) {
	byService := map[string]model.SpendRecord{}
	var order []string

	err := eachJSONLine(ctx, path, func(line []byte) error {
		var rec model.SpendRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse spend record: %w", err)
		}
		if rec.Service == "" {
			return nil
		}
		if _, seen := byService[rec.Service]; !seen {
			order = append(order, rec.Service)
		}
		byService[rec.Service] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.SpendRecord, 0, len(order))
	for _, svc := range order {
		out = append(out, byService[svc])
	}
	return out, nil
}

// readHealth parses the error-log JSONL file, keeping the newest entry per
// service.
func readHealth(ctx context.Context, path string) ([]model.HealthRecord, error) {
	byService := map[string]model.HealthRecord{}
	var order []string

	err := eachJSONLine(ctx, path, func(line []byte) error {
		var rec model.HealthRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse health record: %w", err)
		}
		if rec.Service == "" {
			return nil
		}
		if _, seen := byService[rec.Service]; !seen {
			order = append(order, rec.Service)
		}
		byService[rec.Service] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.HealthRecord, 0, len(order))
	for _, svc := range order {
		out = append(out, byService[svc])
	}
	return out, nil
}

// runDocument is one per-run test result file.
type runDocument struct {
	RunID   string             `json:"run_id"`
	Suite   string             `json:"suite"`
	RanAt   string             `json:"ran_at,omitempty"`
	Results []model.TestResult `json:"results"`
}

// readTests merges the smoke-test summary with the per-run result
// documents. A missing results directory is treated as no runs; the smoke
// file itself must be readable.
func readTests(ctx context.Context, smokePath, resultsDir string, logger *slog.Logger) ([]model.TestResult, error) {
	data, err := os.ReadFile(smokePath)
	if err != nil {
		return nil, fmt.Errorf("read smoke results: %w", err)
	}
	var results []model.TestResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parse smoke results: %w", err)
	}
	for i := range results {
		if results[i].Suite == "" {
			results[i].Suite = "smoke"
		}
	}

	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return results, nil
		}
		return nil, fmt.Errorf("read test results dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(filepath.Join(resultsDir, name))
		if err != nil {
			return nil, fmt.Errorf("read run document %s: %w", name, err)
		}
		var doc runDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			// One malformed run document should not hide every other run.
			logger.Warn("skipping malformed run document", "file", name, "error", err)
			continue
		}
		for _, r := range doc.Results {
			if r.Suite == "" {
				r.Suite = doc.Suite
			}
			if r.RunID == "" {
				r.RunID = doc.RunID
			}
			results = append(results, r)
		}
	}
	return results, nil
}

// eachJSONLine streams non-empty lines of a JSONL file to fn.
func eachJSONLine(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return nil
}
