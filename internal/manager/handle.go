package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"lazyd/internal/metrics"
)

// Handle is the lazy reference to one module. All state is guarded by mu;
// a load runs outside the lock and publishes its result back under it.
type Handle struct {
	name   string
	seq    uint64
	loader Loader
	reg    *Registry

	mu           sync.Mutex
	state        State
	value        any
	call         *loadCall
	priority     int
	deps         []string
	strategy     Strategy
	pinned       bool
	footprint    int64
	lastUsed     time.Time
	loadDuration time.Duration
	loads        int
	failures     int
	failedAt     time.Time
	lastErr      error
	borrows      int
}

// loadCall is one in-flight load attempt shared by every waiter.
type loadCall struct {
	done chan struct{}
	val  any
	err  error
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// DependsOn returns the declared dependencies.
func (h *Handle) DependsOn() []string { return slices.Clone(h.deps) }

func (h *Handle) Priority() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priority
}

func (h *Handle) before(o *Handle) bool {
	hp, op := h.Priority(), o.Priority()
	if hp != op {
		return hp < op
	}
	return h.seq < o.seq
}

// Resolve returns the loaded module, loading it first if needed. Concurrent
// callers share a single load. The load itself is bounded by loader.timeout
// and is not cancelled by ctx; ctx only bounds how long this caller waits.
func (h *Handle) Resolve(ctx context.Context) (any, error) {
	r := h.reg
	h.mu.Lock()
	switch h.state {
	case StateUnregistered:
		h.mu.Unlock()
		return nil, ErrModuleNotFound(h.name)
	case StateLoaded:
		h.lastUsed = r.now()
		v := h.value
		h.mu.Unlock()
		return v, nil
	case StateLoading:
		c := h.call
		h.mu.Unlock()
		return h.wait(ctx, c)
	}

	if limit := r.maxRetries(); h.failures >= limit {
		err := &ModuleLoadError{Name: h.name, Attempt: h.failures, Exhausted: true, Cause: h.lastErr}
		h.mu.Unlock()
		return nil, err
	}
	if h.state == StateFailed {
		if wait := r.backoff(h.failures) - r.now().Sub(h.failedAt); wait > 0 {
			err := &ModuleLoadError{Name: h.name, Attempt: h.failures, RetryAfter: wait, Cause: h.lastErr}
			h.mu.Unlock()
			return nil, err
		}
	}
	c := &loadCall{done: make(chan struct{})}
	h.call = c
	h.state = StateLoading
	attempt := h.failures + 1
	h.mu.Unlock()

	r.log.Info().Str("module", h.name).Int("attempt", attempt).Msg("manager event=load_start")
	r.publish(Event{Name: EventLoadStart, Module: h.name, Fields: map[string]any{"attempt": attempt}})
	go h.load(c, attempt)
	return h.wait(ctx, c)
}

// ResolveAs resolves h and asserts the module's type.
func ResolveAs[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Resolve(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("module %s is %T, not %T", h.name, v, zero)
	}
	return t, nil
}

func (h *Handle) wait(ctx context.Context, c *loadCall) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type loadResult struct {
	val any
	err error
}

// load runs one attempt and publishes the outcome.
func (h *Handle) load(c *loadCall, attempt int) {
	r := h.reg
	timeout := r.loadTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan loadResult, 1)
	go func() {
		var res loadResult
		defer func() {
			if p := recover(); p != nil {
				r.log.Error().Str("module", h.name).Str("panic", fmt.Sprint(p)).Bytes("stack", debug.Stack()).Msg("manager event=loader_panic")
				res = loadResult{err: fmt.Errorf("loader panic: %v", p)}
			}
			resCh <- res
		}()
		res.val, res.err = h.loader(ctx)
	}()

	var res loadResult
	select {
	case res = <-resCh:
		if res.err == nil && ctx.Err() != nil {
			// finished, but only after the deadline passed
			r.release(h.name, res.val)
			res = loadResult{err: ErrLoadTimeout}
		}
	case <-ctx.Done():
		res = loadResult{err: ErrLoadTimeout}
		go func() {
			late := <-resCh
			if late.err == nil {
				r.log.Warn().Str("module", h.name).Msg("manager event=late_result_discarded")
				r.release(h.name, late.val)
			}
		}()
	}
	dur := time.Since(start)
	metrics.ObserveLoad(h.name, res.err == nil, dur.Seconds())

	h.mu.Lock()
	if res.err == nil {
		h.state = StateLoaded
		h.value = res.val
		h.failures = 0
		h.lastErr = nil
		h.lastUsed = r.now()
		h.loads++
		h.loadDuration += dur
		if s, ok := res.val.(Sizer); ok {
			h.footprint = s.SizeBytes()
		}
		c.val = res.val
	} else {
		h.state = StateFailed
		h.value = nil
		h.failures++
		h.failedAt = r.now()
		h.lastErr = res.err
		c.err = &ModuleLoadError{Name: h.name, Attempt: attempt, Cause: res.err, Exhausted: h.failures >= r.maxRetries()}
	}
	h.call = nil
	footprint := h.footprint
	h.mu.Unlock()

	// waiters wake only after the outcome event is out
	defer close(c.done)
	if res.err == nil {
		r.log.Info().Str("module", h.name).Dur("took", dur).Int64("footprint", footprint).Msg("manager event=load_ready")
		r.publish(Event{Name: EventLoadReady, Module: h.name, Fields: map[string]any{"duration": dur, "footprint": footprint}})
		metrics.SetModulesLoaded(r.loadedCount())
		return
	}
	r.log.Warn().Str("module", h.name).Int("attempt", attempt).Err(res.err).Msg("manager event=load_failed")
	r.publish(Event{Name: EventLoadFailed, Module: h.name, Fields: map[string]any{"attempt": attempt, "error": res.err.Error()}})
}

// Borrow resolves the module and marks it in use until release is called.
// Borrowed modules are never unloaded.
func (h *Handle) Borrow(ctx context.Context) (any, func(), error) {
	for {
		v, err := h.Resolve(ctx)
		if err != nil {
			return nil, nil, err
		}
		h.mu.Lock()
		if h.state == StateLoaded {
			h.borrows++
			h.mu.Unlock()
			var once sync.Once
			return v, func() {
				once.Do(func() {
					h.mu.Lock()
					h.borrows--
					h.lastUsed = h.reg.now()
					h.mu.Unlock()
				})
			}, nil
		}
		// unloaded between resolve and borrow
		h.mu.Unlock()
	}
}

// Reset clears the failure count so the next Resolve starts fresh.
func (h *Handle) Reset() {
	h.mu.Lock()
	h.failures = 0
	h.failedAt = time.Time{}
	h.lastErr = nil
	h.mu.Unlock()
	h.reg.log.Info().Str("module", h.name).Msg("manager event=reset")
	h.reg.publish(Event{Name: EventReset, Module: h.name})
}

// HandleSnapshot is a consistent copy of a handle's state.
type HandleSnapshot struct {
	Name         string
	State        State
	Priority     int
	DependsOn    []string
	Strategy     Strategy
	Pinned       bool
	Footprint    int64
	LastUsed     time.Time
	LoadDuration time.Duration
	Loads        int
	Failures     int
	LastError    string
	Borrows      int
}

// Snapshot copies the handle's state under its lock.
func (h *Handle) Snapshot() HandleSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HandleSnapshot{
		Name:         h.name,
		State:        h.state,
		Priority:     h.priority,
		DependsOn:    slices.Clone(h.deps),
		Strategy:     h.strategy,
		Pinned:       h.pinned,
		Footprint:    h.footprint,
		LastUsed:     h.lastUsed,
		LoadDuration: h.loadDuration,
		Loads:        h.loads,
		Failures:     h.failures,
		Borrows:      h.borrows,
	}
	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}
	return s
}
