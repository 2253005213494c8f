package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lazyd/internal/config"
	"lazyd/internal/memory"
)

// fakeClock is a settable clock shared by registry and tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestRegistry returns a registry with zero backoff and a fake clock.
func newTestRegistry(t *testing.T) (*Registry, *config.Engine, *fakeClock) {
	t.Helper()
	cfg := config.New(config.Options{})
	if err := cfg.Set(config.KeyLoaderBackoff, "0s", config.SourceRuntime); err != nil {
		t.Fatalf("set backoff: %v", err)
	}
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewWithConfig(ManagerConfig{Config: cfg, Now: clk.Now})
	return reg, cfg, clk
}

func setConfig(t *testing.T, cfg *config.Engine, key string, v any) {
	t.Helper()
	if err := cfg.Set(key, v, config.SourceRuntime); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

// module is a test payload that records releases.
type module struct {
	name     string
	size     int64
	released atomic.Int32
	inUse    atomic.Bool
}

func (m *module) Release() error   { m.released.Add(1); return nil }
func (m *module) SizeBytes() int64 { return m.size }
func (m *module) InUse() bool      { return m.inUse.Load() }

// countingLoader returns a loader producing m and counting invocations.
func countingLoader(m *module, calls *atomic.Int32) Loader {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return m, nil
	}
}

type staticPressure struct {
	mu    sync.Mutex
	level memory.Level
}

func (p *staticPressure) Pressure() memory.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *staticPressure) Set(l memory.Level) {
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
}

func mustResolve(t *testing.T, reg *Registry, name string) any {
	t.Helper()
	v, err := reg.Resolve(context.Background(), name)
	if err != nil {
		t.Fatalf("resolve %s: %v", name, err)
	}
	return v
}
