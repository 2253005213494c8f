package manager

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lazyd/internal/config"
)

// Registry is the ModuleRegistry. Structural changes take a coarse lock held
// briefly; per-module state lives behind each Handle's own mutex.
type Registry struct {
	cfg       config.Reader
	publisher EventPublisher
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	handles map[string]*Handle
	seq     uint64

	history *unloadHistory
}

// RegisterOption customizes a registration.
type RegisterOption func(*Handle)

// OptionDeps returns the dependencies opts declare, without registering.
func OptionDeps(opts ...RegisterOption) []string {
	var h Handle
	for _, o := range opts {
		o(&h)
	}
	return slices.Clone(h.deps)
}

// WithPriority sets the load priority; lower loads earlier.
func WithPriority(p int) RegisterOption { return func(h *Handle) { h.priority = p } }

// WithStrategy overrides the default unloading strategy.
func WithStrategy(s Strategy) RegisterOption { return func(h *Handle) { h.strategy = s } }

// WithFootprint sets the pre-load footprint estimate in bytes.
func WithFootprint(bytes int64) RegisterOption { return func(h *Handle) { h.footprint = bytes } }

// WithDependsOn declares modules that must be resolved first.
func WithDependsOn(names ...string) RegisterOption {
	return func(h *Handle) { h.deps = slices.Clone(names) }
}

// WithPinned registers the module with unloading disallowed.
func WithPinned() RegisterOption { return func(h *Handle) { h.pinned = true } }

// SetEventPublisher replaces the event publisher.
func (r *Registry) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

func (r *Registry) publish(e Event) {
	r.mu.RLock()
	p := r.publisher
	r.mu.RUnlock()
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	p.Publish(e)
}

// Register creates a handle in REGISTERED state. Loading is deferred until
// the first Resolve or the scheduler reaches it.
func (r *Registry) Register(name string, loader Loader, opts ...RegisterOption) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("module name is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("module %s: loader is required", name)
	}
	h := &Handle{name: name, loader: loader, reg: r, state: StateRegistered}
	for _, opt := range opts {
		opt(h)
	}
	r.mu.Lock()
	if _, exists := r.handles[name]; exists {
		r.mu.Unlock()
		return nil, duplicateNameError{name: name}
	}
	r.seq++
	h.seq = r.seq
	r.handles[name] = h
	r.mu.Unlock()

	r.log.Info().Str("module", name).Int("priority", h.priority).Strs("depends_on", h.deps).Msg("manager event=register")
	r.publish(Event{Name: EventRegister, Module: name, Fields: map[string]any{"priority": h.priority, "depends_on": h.deps}})
	return h, nil
}

// Get returns the handle for name.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

func (r *Registry) handle(name string) (*Handle, error) {
	if h, ok := r.Get(name); ok {
		return h, nil
	}
	return nil, ErrModuleNotFound(name)
}

// Resolve loads the named module if needed and returns it.
func (r *Registry) Resolve(ctx context.Context, name string) (any, error) {
	h, err := r.handle(name)
	if err != nil {
		return nil, err
	}
	return h.Resolve(ctx)
}

// Deregister removes a module, releasing it if loaded. It refuses while a
// load is in flight.
func (r *Registry) Deregister(name string) error {
	h, err := r.handle(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.state == StateLoading {
		h.mu.Unlock()
		return busyError{name: name, op: "deregister"}
	}
	val := h.value
	h.value = nil
	h.state = StateUnregistered
	h.mu.Unlock()

	r.mu.Lock()
	delete(r.handles, name)
	r.mu.Unlock()

	r.release(name, val)
	r.log.Info().Str("module", name).Msg("manager event=deregister")
	r.publish(Event{Name: EventDeregister, Module: name})
	return nil
}

// Handles returns all handles ordered by (priority, registration order).
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// Footprints reports the footprint of every loaded module.
func (r *Registry) Footprints() map[string]int64 {
	out := make(map[string]int64)
	for _, h := range r.Handles() {
		s := h.Snapshot()
		if s.State == StateLoaded {
			out[s.Name] = s.Footprint
		}
	}
	return out
}

// Reset clears a module's failure count so the next resolve loads again.
func (r *Registry) Reset(name string) error {
	h, err := r.handle(name)
	if err != nil {
		return err
	}
	h.Reset()
	return nil
}

// SetStrategy overrides a module's unloading strategy. An empty strategy
// restores the configured default.
func (r *Registry) SetStrategy(name string, s Strategy) error {
	h, err := r.handle(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.strategy = s
	h.mu.Unlock()
	r.publish(Event{Name: EventPreference, Module: name, Fields: map[string]any{"strategy": string(s)}})
	return nil
}

// SetAllowUnload sets the user preference; false pins the module.
func (r *Registry) SetAllowUnload(name string, allow bool) error {
	h, err := r.handle(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.pinned = !allow
	h.mu.Unlock()
	r.publish(Event{Name: EventPreference, Module: name, Fields: map[string]any{"allow_unload": allow}})
	return nil
}

func (r *Registry) loadedCount() int {
	n := 0
	for _, h := range r.Handles() {
		if h.State() == StateLoaded {
			n++
		}
	}
	return n
}
