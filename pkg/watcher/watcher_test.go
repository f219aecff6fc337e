package watcher_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierops/pipewatch/pkg/model"
	"github.com/atelierops/pipewatch/pkg/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestWatcher(t *testing.T, debounce time.Duration) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New(debounce, testLogger())
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

// collect drains changes arriving within the window.
func collect(w *watcher.Watcher, window time.Duration) []watcher.Change {
	var got []watcher.Change
	deadline := time.After(window)
	for {
		select {
		case c := <-w.Events():
			got = append(got, c)
		case <-deadline:
			return got
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		path  string
		class model.Classification
		ok    bool
	}{
		{"data/cost-tracking.jsonl", model.ClassSpendSource, true},
		{"data/error-log.jsonl", model.ClassHealthSource, true},
		{"data/smoke-results.json", model.ClassSmokeTestSource, true},
		{"data/test-results/run-42.json", model.ClassTestResultSource, true},
		{"data/README.md", "", false},
	}
	for _, tc := range cases {
		class, ok := watcher.Classify(tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
		assert.Equal(t, tc.class, class, tc.path)
	}
}

func TestWatcher_DebounceCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cost-tracking.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	w := newTestWatcher(t, 100*time.Millisecond)
	require.NoError(t, w.Watch([]string{path}))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	got := collect(w, 500*time.Millisecond)
	require.Len(t, got, 1, "burst coalesces to one change")
	assert.Equal(t, model.ClassSpendSource, got[0].Classification)
}

func TestWatcher_SpacedWritesFireSeparately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error-log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	w := newTestWatcher(t, 50*time.Millisecond)
	require.NoError(t, w.Watch([]string{path}))

	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("b\n"), 0o644))

	got := collect(w, 400*time.Millisecond)
	assert.Len(t, got, 2, "writes outside the window fire independently")
}

func TestWatcher_DistinctPathsFireIndependently(t *testing.T) {
	dir := t.TempDir()
	spend := filepath.Join(dir, "cost-tracking.jsonl")
	health := filepath.Join(dir, "error-log.jsonl")
	require.NoError(t, os.WriteFile(spend, nil, 0o644))
	require.NoError(t, os.WriteFile(health, nil, 0o644))

	w := newTestWatcher(t, 100*time.Millisecond)
	require.NoError(t, w.Watch([]string{spend, health}))

	require.NoError(t, os.WriteFile(spend, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(health, []byte("{}\n"), 0o644))

	got := collect(w, 500*time.Millisecond)
	require.Len(t, got, 2)
	classes := map[model.Classification]bool{}
	for _, c := range got {
		classes[c.Classification] = true
	}
	assert.True(t, classes[model.ClassSpendSource])
	assert.True(t, classes[model.ClassHealthSource])
}

func TestWatcher_UnclassifiedPathIgnored(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, 50*time.Millisecond)
	require.NoError(t, w.Watch([]string{dir}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	got := collect(w, 300*time.Millisecond)
	assert.Empty(t, got)
}

func TestWatcher_MissingPathTolerated(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, 50*time.Millisecond)

	// Parent exists, file does not; the watcher stays up and fires once
	// the file appears.
	path := filepath.Join(dir, "smoke-results.json")
	require.NoError(t, w.Watch([]string{path}))

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	got := collect(w, 400*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, model.ClassSmokeTestSource, got[0].Classification)
}

func TestWatcher_ExpiredTimerRacingResetFiresOnce(t *testing.T) {
	w := newTestWatcher(t, 100*time.Millisecond)
	path := "data/cost-tracking.jsonl"

	w.Schedule(path)
	// Simulates a timer callback arriving while the deadline is still in
	// the future, as happens when an expiry races a reset. The rearmed
	// timer delivers the change; the early callback delivers nothing.
	w.FireNow(path)

	got := collect(w, 400*time.Millisecond)
	require.Len(t, got, 1, "one logical burst, one change")
	assert.Equal(t, model.ClassSpendSource, got[0].Classification)
}

func TestWatcher_StopIsIdempotentAndCancelsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cost-tracking.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w, err := watcher.New(200*time.Millisecond, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Watch([]string{path}))

	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	time.Sleep(50 * time.Millisecond) // event scheduled, timer still pending

	w.Stop()
	w.Stop() // second call is a no-op

	got := collect(w, 400*time.Millisecond)
	assert.Empty(t, got, "no callback after stop")
	assert.False(t, w.Status().Active)
	assert.Zero(t, w.Status().Pending)
}

func TestWatcher_StatusReportsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cost-tracking.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w := newTestWatcher(t, time.Second)
	require.NoError(t, w.Watch([]string{path}))
	assert.True(t, w.Status().Active)

	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, w.Status().Pending)
}
