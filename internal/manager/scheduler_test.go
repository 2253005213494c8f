package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lazyd/internal/config"
)

// orderRecorder records the order loaders run in.
type orderRecorder struct {
	mu    sync.Mutex
	names []string
}

func (o *orderRecorder) loader(name string) Loader {
	return func(context.Context) (any, error) {
		o.mu.Lock()
		o.names = append(o.names, name)
		o.mu.Unlock()
		return name, nil
	}
}

func (o *orderRecorder) order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = s.Wait()
	})
	return cancel
}

func TestSchedulerEagerLoadsInPriorityOrder(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMode, ModeEager)
	setConfig(t, cfg, config.KeyLoaderConcurrency, 1)
	rec := &orderRecorder{}
	_, _ = reg.Register("plot-lib", rec.loader("plot-lib"), WithPriority(5))
	_, _ = reg.Register("core-lib", rec.loader("core-lib"), WithPriority(0))
	_, _ = reg.Register("vision-lib", rec.loader("vision-lib"), WithPriority(1))
	_, _ = reg.Register("text-lib", rec.loader("text-lib"), WithPriority(1))

	s := NewScheduler(reg, nil)
	startScheduler(t, s)

	got := rec.order()
	want := []string{"core-lib", "vision-lib", "text-lib", "plot-lib"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if !s.Idle() || s.Pending() != 0 {
		t.Fatalf("expected idle scheduler after eager start")
	}
	if reg.Status().LoadedCount != 4 {
		t.Fatalf("expected all modules loaded")
	}
}

func TestSchedulerLazyModeLoadsNothing(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMode, ModeLazy)
	var calls atomic.Int32
	h, _ := reg.Register("lazy", countingLoader(&module{}, &calls))
	s := NewScheduler(reg, nil)
	startScheduler(t, s)
	if s.Enqueue(h) {
		t.Fatalf("lazy mode must not queue")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 || h.State() != StateRegistered {
		t.Fatalf("lazy mode loaded a module")
	}
	mustResolve(t, reg, "lazy")
	if calls.Load() != 1 {
		t.Fatalf("expected on-demand load")
	}
}

func TestSchedulerBackgroundDoesNotBlockStart(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	gate := make(chan struct{})
	h, _ := reg.Register("slow", func(context.Context) (any, error) { <-gate; return 1, nil })
	s := NewScheduler(reg, nil)
	startScheduler(t, s)
	if s.Idle() {
		t.Fatalf("expected pending work after background start")
	}
	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if h.State() != StateLoaded {
		t.Fatalf("expected LOADED, got %s", h.State())
	}
}

func TestSchedulerRetriesFailedLoads(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMode, ModeEager)
	var calls atomic.Int32
	h, _ := reg.Register("flaky", func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	var okCalls atomic.Int32
	_, _ = reg.Register("steady", countingLoader(&module{}, &okCalls))

	s := NewScheduler(reg, nil)
	startScheduler(t, s)
	if h.State() != StateLoaded {
		t.Fatalf("expected flaky module to load after retries, got %s", h.State())
	}
	if calls.Load() != 3 || okCalls.Load() != 1 {
		t.Fatalf("unexpected loader calls: flaky=%d steady=%d", calls.Load(), okCalls.Load())
	}
}

func TestSchedulerWaitsOutBackoff(t *testing.T) {
	cfg := config.New(config.Options{})
	setConfig(t, cfg, config.KeyLoaderMode, ModeEager)
	setConfig(t, cfg, config.KeyLoaderBackoff, "50ms")
	reg := NewWithConfig(ManagerConfig{Config: cfg})
	var calls atomic.Int32
	h, _ := reg.Register("flaky", func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	start := time.Now()
	startScheduler(t, NewScheduler(reg, nil))
	if h.State() != StateLoaded {
		t.Fatalf("expected LOADED after backoff, got %s", h.State())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 loader calls, got %d", calls.Load())
	}
	if took := time.Since(start); took < 50*time.Millisecond {
		t.Fatalf("retry ran before the backoff elapsed (%s)", took)
	}
}

func TestSchedulerStopsRetryingWhenExhausted(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMode, ModeEager)
	setConfig(t, cfg, config.KeyLoaderMaxRetries, 2)
	var calls atomic.Int32
	h, _ := reg.Register("broken", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("permanent")
	})
	s := NewScheduler(reg, nil)
	startScheduler(t, s)
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if h.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", h.State())
	}
}

func TestSchedulerCustomResolveAndPanic(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMode, ModeEager)
	_, _ = reg.Register("a", func(context.Context) (any, error) { return 1, nil })
	_, _ = reg.Register("b", func(context.Context) (any, error) { return 2, nil })
	var seen atomic.Int32
	s := NewScheduler(reg, func(ctx context.Context, h *Handle) error {
		seen.Add(1)
		if h.Name() == "a" {
			panic("resolver bug")
		}
		_, err := h.Resolve(ctx)
		return err
	})
	startScheduler(t, s)
	if seen.Load() != 2 {
		t.Fatalf("expected both modules processed despite panic, got %d", seen.Load())
	}
	if b, _ := reg.Get("b"); b.State() != StateLoaded {
		t.Fatalf("expected b LOADED")
	}
}

func TestSchedulerEnqueueDedupes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	h, _ := reg.Register("m", func(context.Context) (any, error) { return 1, nil })
	s := NewScheduler(reg, nil)
	if !s.Enqueue(h) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if s.Enqueue(h) {
		t.Fatalf("expected duplicate enqueue to be ignored")
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", s.Pending())
	}
	startScheduler(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if s.Enqueue(h) {
		t.Fatalf("loaded modules are not queued")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}
