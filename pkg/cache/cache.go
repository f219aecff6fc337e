// Package cache implements the dependency-aware metrics cache. It lazily
// populates four named collections (spend, health, tests, alerts) from
// external fetchers, de-duplicates concurrent fetches for the same key,
// and clears derived entries whenever their inputs are invalidated.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelierops/pipewatch/pkg/model"
)

// Key names one of the cached metric collections.
type Key string

const (
	KeySpend  Key = "spend"
	KeyHealth Key = "health"
	KeyTests  Key = "tests"
	KeyAlerts Key = "alerts"
)

// dependencies declares which keys a derived key reads. Load order is
// computed from this graph, so the alerts-after-inputs invariant is
// structural rather than a convention in call sites.
var dependencies = map[Key][]Key{
	KeyAlerts: {KeySpend, KeyHealth, KeyTests},
}

// Fetchers supplies the external loaders for the three source-backed keys.
type Fetchers struct {
	Spend  func(ctx context.Context) ([]model.SpendRecord, error)
	Health func(ctx context.Context) ([]model.HealthRecord, error)
	Tests  func(ctx context.Context) ([]model.TestResult, error)
}

// Deriver computes the alerts collection from current spend, health, and
// test data.
type Deriver func(ctx context.Context, spend []model.SpendRecord, health []model.HealthRecord, tests []model.TestResult) ([]model.FeedAlert, error)

// EntryStatus describes one cache entry for the status endpoint.
type EntryStatus struct {
	Loaded      bool       `json:"loaded"`
	Count       int        `json:"count"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

// call tracks one in-flight fetch so concurrent getters share its result.
type call struct {
	done chan struct{}
	val  any
	n    int
	err  error
}

// entry is the cache slot for one key. A nil value means not loaded or
// invalidated; an empty slice is a loaded result with no records.
type entry struct {
	value       any
	count       int
	generatedAt time.Time
	gen         uint64
	inflight    *call
}

// Cache is the dependency-aware metrics cache. All entry state is guarded
// by mu; fetchers run outside the lock.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	fetchers Fetchers
	derive   Deriver
	lastLoad time.Time
	logger   *slog.Logger
}

// New creates an empty cache over the given fetchers and deriver.
func New(fetchers Fetchers, derive Deriver, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries:  make(map[Key]*entry, 4),
		fetchers: fetchers,
		derive:   derive,
		logger:   logger,
	}
	for _, k := range []Key{KeySpend, KeyHealth, KeyTests, KeyAlerts} {
		c.entries[k] = &entry{}
	}
	return c
}

// Spend returns the spend collection, loading it on a miss.
func (c *Cache) Spend(ctx context.Context) ([]model.SpendRecord, error) {
	v, err := c.get(ctx, KeySpend)
	if err != nil {
		return nil, err
	}
	return v.([]model.SpendRecord), nil
}

// Health returns the health collection, loading it on a miss.
func (c *Cache) Health(ctx context.Context) ([]model.HealthRecord, error) {
	v, err := c.get(ctx, KeyHealth)
	if err != nil {
		return nil, err
	}
	return v.([]model.HealthRecord), nil
}

// Tests returns the test-result collection, loading it on a miss.
func (c *Cache) Tests(ctx context.Context) ([]model.TestResult, error) {
	v, err := c.get(ctx, KeyTests)
	if err != nil {
		return nil, err
	}
	return v.([]model.TestResult), nil
}

// Alerts returns the derived alerts collection. Loading it first loads any
// of spend, health, or tests that are still unloaded, so a derived value
// never coexists with missing inputs.
func (c *Cache) Alerts(ctx context.Context) ([]model.FeedAlert, error) {
	v, err := c.get(ctx, KeyAlerts)
	if err != nil {
		return nil, err
	}
	return v.([]model.FeedAlert), nil
}

// get returns the cached value for key, joining an in-flight fetch if one
// exists and starting one otherwise.
func (c *Cache) get(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	e := c.entries[key]
	if e.value != nil {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	if e.inflight != nil {
		cl := e.inflight
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.val, cl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	e.inflight = cl
	gen := e.gen
	c.mu.Unlock()

	cl.val, cl.n, cl.err = c.fetch(ctx, key)

	c.mu.Lock()
	// Only store if no invalidation happened since the fetch started and
	// this call is still the entry's current loader.
	if e.inflight == cl {
		e.inflight = nil
		if cl.err == nil && e.gen == gen {
			e.value = cl.val
			e.count = cl.n
			e.generatedAt = time.Now()
			c.lastLoad = e.generatedAt
		}
	}
	c.mu.Unlock()

	close(cl.done)
	return cl.val, cl.err
}

// fetch runs the external loader for key outside the lock.
func (c *Cache) fetch(ctx context.Context, key Key) (any, int, error) {
	switch key {
	case KeySpend:
		v, err := c.fetchers.Spend(ctx)
		return nonNil(v), len(v), err
	case KeyHealth:
		v, err := c.fetchers.Health(ctx)
		return nonNil(v), len(v), err
	case KeyTests:
		v, err := c.fetchers.Tests(ctx)
		return nonNil(v), len(v), err
	case KeyAlerts:
		spend, err := c.Spend(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("load spend for alerts: %w", err)
		}
		health, err := c.Health(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("load health for alerts: %w", err)
		}
		tests, err := c.Tests(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("load tests for alerts: %w", err)
		}
		v, err := c.derive(ctx, spend, health, tests)
		return nonNil(v), len(v), err
	default:
		return nil, 0, fmt.Errorf("unknown cache key %q", key)
	}
}

// nonNil keeps the loaded/empty distinction: a successful fetch with zero
// records is stored as an empty slice, never as nil.
func nonNil[T any](v []T) any {
	if v == nil {
		return []T{}
	}
	return v
}

// Invalidate clears the keys mapped from the given change classification
// and returns them. Clearing any of the alerts key's inputs clears alerts
// too. Unknown classifications clear nothing.
func (c *Cache) Invalidate(class model.Classification) []Key {
	keys := rulesFor(class)
	if len(keys) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.clearLocked(k)
	}
	c.logger.Debug("cache invalidated", "classification", class, "keys", keys)
	return keys
}

// clearLocked nulls one entry and detaches any in-flight fetch so its
// result is discarded when it lands. Caller holds the lock.
func (c *Cache) clearLocked(k Key) {
	e := c.entries[k]
	e.value = nil
	e.count = 0
	e.gen++
	e.inflight = nil
}

// RefreshAll clears every entry and reloads in dependency order. Failed
// keys stay null; their errors are joined and returned after all keys have
// been attempted.
func (c *Cache) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	for _, e := range c.entries {
		e.value = nil
		e.count = 0
		e.gen++
		e.inflight = nil
	}
	c.mu.Unlock()

	var errs []error
	for _, k := range loadOrder() {
		if _, err := c.get(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// loadOrder topologically sorts the declared dependency graph so inputs
// always load before the keys derived from them.
func loadOrder() []Key {
	all := []Key{KeySpend, KeyHealth, KeyTests, KeyAlerts}
	var order []Key
	done := make(map[Key]bool, len(all))
	var visit func(k Key)
	visit = func(k Key) {
		if done[k] {
			return
		}
		done[k] = true
		for _, dep := range dependencies[k] {
			visit(dep)
		}
		order = append(order, k)
	}
	for _, k := range all {
		visit(k)
	}
	return order
}

// Status reports per-entry freshness for the status endpoint.
func (c *Cache) Status() map[Key]EntryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]EntryStatus, len(c.entries))
	for k, e := range c.entries {
		st := EntryStatus{Loaded: e.value != nil, Count: e.count}
		if !e.generatedAt.IsZero() && e.value != nil {
			t := e.generatedAt
			st.GeneratedAt = &t
		}
		out[k] = st
	}
	return out
}

// GeneratedAt returns the time of the most recent successful load.
func (c *Cache) GeneratedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLoad
}
