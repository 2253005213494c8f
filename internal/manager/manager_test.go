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

func TestRegisterDuplicateName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	load := func(context.Context) (any, error) { return 1, nil }
	if _, err := reg.Register("vision-lib", load); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register("vision-lib", load)
	if !IsDuplicateName(err) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if _, err := reg.Register("", load); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := reg.Register("nil-loader", nil); err == nil {
		t.Fatalf("expected error for nil loader")
	}
}

func TestRegisterDefersLoading(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var calls atomic.Int32
	h, err := reg.Register("vision-lib", countingLoader(&module{}, &calls), WithPriority(1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.State() != StateRegistered {
		t.Fatalf("expected REGISTERED, got %s", h.State())
	}
	if calls.Load() != 0 {
		t.Fatalf("loader ran at registration")
	}
}

func TestSingleFlightConcurrentResolvers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	mod := &module{name: "vision-lib", size: 64 << 20}
	_, err := reg.Register("vision-lib", func(context.Context) (any, error) {
		calls.Add(1)
		<-gate
		return mod, nil
	}, WithPriority(1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.Resolve(context.Background(), "vision-lib")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 load, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolver %d: %v", i, errs[i])
		}
		if results[i] != mod {
			t.Fatalf("resolver %d got a different value", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("resolvers waited %s, longer than the load timeout", elapsed)
	}
	h, _ := reg.Get("vision-lib")
	if h.State() != StateLoaded {
		t.Fatalf("expected LOADED, got %s", h.State())
	}
	if s := h.Snapshot(); s.Footprint != 64<<20 {
		t.Fatalf("expected footprint from Sizer, got %d", s.Footprint)
	}
}

func TestResolveAs(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	h, _ := reg.Register("answer", func(context.Context) (any, error) { return 42, nil })
	v, err := ResolveAs[int](context.Background(), h)
	if err != nil || v != 42 {
		t.Fatalf("ResolveAs[int] = %v, %v", v, err)
	}
	if _, err := ResolveAs[string](context.Background(), h); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestResolveUnknownModule(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Resolve(context.Background(), "ghost")
	if !IsModuleNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveRetriesThenFailsFast(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderMaxRetries, 2)
	var calls atomic.Int32
	boom := errors.New("boom")
	h, _ := reg.Register("flaky", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	})

	_, err := h.Resolve(context.Background())
	var le *ModuleLoadError
	if !errors.As(err, &le) || le.Attempt != 1 || le.Exhausted {
		t.Fatalf("first attempt: unexpected error %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved")
	}
	if h.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", h.State())
	}

	_, err = h.Resolve(context.Background())
	if !errors.As(err, &le) || le.Attempt != 2 || !le.Exhausted {
		t.Fatalf("second attempt: unexpected error %v", err)
	}

	// exhausted: fail fast without calling the loader
	_, err = h.Resolve(context.Background())
	if !errors.As(err, &le) || !le.Exhausted {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 loader calls, got %d", calls.Load())
	}

	if err := reg.Reset("flaky"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, _ = h.Resolve(context.Background())
	if calls.Load() != 3 {
		t.Fatalf("expected reset to allow another attempt")
	}
}

func TestResolveWaitsOutBackoffWithoutSleeping(t *testing.T) {
	reg, cfg, clk := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderBackoff, "10s")
	setConfig(t, cfg, config.KeyLoaderTimeout, "100ms")
	var calls atomic.Int32
	boom := errors.New("boom")
	h, _ := reg.Register("flaky", func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return "ok", nil
	})
	if _, err := h.Resolve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first attempt: %v", err)
	}

	start := time.Now()
	_, err := h.Resolve(context.Background())
	var le *ModuleLoadError
	if !errors.As(err, &le) || le.RetryAfter != 10*time.Second || le.Attempt != 1 || !errors.Is(err, boom) {
		t.Fatalf("expected backoff refusal, got %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("refusal blocked for %s", waited)
	}

	clk.Advance(4 * time.Second)
	if _, err := h.Resolve(context.Background()); !errors.As(err, &le) || le.RetryAfter != 6*time.Second {
		t.Fatalf("expected 6s remaining, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader ran during backoff: %d calls", calls.Load())
	}

	clk.Advance(6 * time.Second)
	v, err := h.Resolve(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("after backoff: v=%v err=%v", v, err)
	}
	if h.State() != StateLoaded {
		t.Fatalf("state=%s", h.State())
	}
}

func TestResolveRecoversAfterFailure(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var calls atomic.Int32
	h, _ := reg.Register("eventually", func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	})
	if _, err := h.Resolve(context.Background()); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	v, err := h.Resolve(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("second attempt: %v, %v", v, err)
	}
	if s := h.Snapshot(); s.Failures != 0 || s.Loads != 1 {
		t.Fatalf("unexpected snapshot after recovery: %+v", s)
	}
}

func TestLoadTimeoutDiscardsLateResult(t *testing.T) {
	reg, cfg, _ := newTestRegistry(t)
	setConfig(t, cfg, config.KeyLoaderTimeout, "30ms")
	mod := &module{}
	unblock := make(chan struct{})
	h, _ := reg.Register("slow", func(context.Context) (any, error) {
		<-unblock // ignores ctx
		return mod, nil
	})

	_, err := h.Resolve(context.Background())
	if !errors.Is(err, ErrLoadTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if h.State() != StateFailed {
		t.Fatalf("expected FAILED after timeout, got %s", h.State())
	}
	close(unblock)
	deadline := time.Now().Add(2 * time.Second)
	for mod.released.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("late result was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.State() != StateFailed {
		t.Fatalf("late result must not flip state, got %s", h.State())
	}
}

func TestResolveCallerContextDoesNotAbortLoad(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	gate := make(chan struct{})
	h, _ := reg.Register("shared", func(context.Context) (any, error) {
		<-gate
		return "v", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Resolve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
	close(gate)
	v, err := h.Resolve(context.Background())
	if err != nil || v != "v" {
		t.Fatalf("load should complete for later callers: %v, %v", v, err)
	}
}

func TestLoaderPanicBecomesFailure(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	h, _ := reg.Register("panicky", func(context.Context) (any, error) { panic("kaboom") })
	_, err := h.Resolve(context.Background())
	if !IsLoadError(err) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	mod := &module{}
	var calls atomic.Int32
	h, _ := reg.Register("gone", countingLoader(mod, &calls))
	mustResolve(t, reg, "gone")
	if err := reg.Deregister("gone"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if mod.released.Load() != 1 {
		t.Fatalf("expected release on deregister")
	}
	if h.State() != StateUnregistered {
		t.Fatalf("expected UNREGISTERED, got %s", h.State())
	}
	if _, err := h.Resolve(context.Background()); !IsModuleNotFound(err) {
		t.Fatalf("expected not found from stale handle, got %v", err)
	}
	if _, err := reg.Register("gone", countingLoader(mod, &calls)); err != nil {
		t.Fatalf("name should be reusable: %v", err)
	}
}

func TestDeregisterRefusedWhileLoading(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	gate := make(chan struct{})
	h, _ := reg.Register("busy", func(context.Context) (any, error) { <-gate; return 1, nil })
	go func() { _, _ = h.Resolve(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for h.State() != StateLoading {
		if time.Now().After(deadline) {
			t.Fatalf("load never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := reg.Deregister("busy"); !IsBusy(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
	close(gate)
}

func TestHandlesOrderAndFootprints(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	load := func(context.Context) (any, error) { return "x", nil }
	_, _ = reg.Register("c", load, WithPriority(5), WithFootprint(300))
	_, _ = reg.Register("a", load, WithPriority(1), WithFootprint(100))
	_, _ = reg.Register("b", load, WithPriority(1), WithFootprint(200))
	var names []string
	for _, h := range reg.Handles() {
		names = append(names, h.Name())
	}
	if got := names[0] + names[1] + names[2]; got != "abc" {
		t.Fatalf("unexpected order %v", names)
	}
	mustResolve(t, reg, "b")
	fp := reg.Footprints()
	if len(fp) != 1 || fp["b"] != 200 {
		t.Fatalf("expected only loaded footprints, got %v", fp)
	}
}

func TestBorrowBlocksUnload(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	h, _ := reg.Register("borrowed", func(context.Context) (any, error) { return &module{}, nil })
	_, release, err := h.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := reg.Unload("borrowed"); !IsUnloadSkipped(err) {
		t.Fatalf("expected unload skipped, got %v", err)
	}
	release()
	release() // idempotent
	if s := h.Snapshot(); s.Borrows != 0 {
		t.Fatalf("expected no borrows, got %d", s.Borrows)
	}
	if _, err := reg.Unload("borrowed"); err != nil {
		t.Fatalf("unload after release: %v", err)
	}
}

func TestSetStrategyAndPreference(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, _ = reg.Register("m", func(context.Context) (any, error) { return 1, nil })
	if err := reg.SetStrategy("m", StrategyAggressive); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	if err := reg.SetAllowUnload("m", false); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	st := reg.Status()
	if st.Modules[0].Strategy != "aggressive" || !st.Modules[0].Pinned {
		t.Fatalf("unexpected status %+v", st.Modules[0])
	}
	if err := reg.SetStrategy("ghost", StrategyAggressive); !IsModuleNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ParseStrategy("AGGRESSIVE"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseStrategy("yolo"); err == nil {
		t.Fatalf("expected parse error")
	}
}
