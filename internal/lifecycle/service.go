// Package lifecycle wires the registry, scheduler, policy engine, memory
// monitor, dependency cache and configuration engine into one service. It is
// the only surface the HTTP layer and the CLI talk to.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"lazyd/internal/blobstore"
	"lazyd/internal/config"
	"lazyd/internal/depcache"
	"lazyd/internal/depgraph"
	"lazyd/internal/manager"
	"lazyd/internal/memory"
	"lazyd/internal/metrics"
	"lazyd/pkg/types"
)

// Options configures a Service.
type Options struct {
	// Config is the live tunable store; a default engine is built when nil.
	Config *config.Engine
	// Store persists snapshots and usage; nil keeps everything in memory.
	Store blobstore.Store
	// Source feeds the memory monitor; nil reads /proc/meminfo.
	Source memory.Source
	Logger zerolog.Logger
	Now    func() time.Time
	// OrderTTL bounds how long computed load orders stay cached.
	OrderTTL time.Duration
}

const (
	defaultOrderTTL = 10 * time.Minute
	eventLogSize    = 512
)

// Service is the external interface of lazyd.
type Service struct {
	cfg       *config.Engine
	store     blobstore.Store
	log       zerolog.Logger
	reg       *manager.Registry
	sched     *manager.Scheduler
	policy    *manager.Policy
	monitor   *memory.Monitor
	cache     *depcache.Cache
	graph     *depgraph.Graph
	resolver  *depgraph.Resolver
	snapshots *depcache.SnapshotStore
	events    *manager.EventLog

	// registration and graph edits happen together
	regMu sync.Mutex

	pressure atomic.Int32 // last memory.Level seen by the sample bridge
	started  atomic.Bool
	ready    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	unsubs []func()
}

// New builds a Service. Nothing runs until Start.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		opts.Config = config.New(config.Options{Store: opts.Store, Logger: opts.Logger, Now: opts.Now})
	}
	if opts.Store == nil {
		opts.Store = blobstore.NewMemoryStore()
	}
	if opts.Source == nil {
		src, err := memory.NewProcSource()
		if err != nil {
			return nil, err
		}
		opts.Source = src
	}
	if opts.OrderTTL <= 0 {
		opts.OrderTTL = defaultOrderTTL
	}
	cfg := opts.Config

	s := &Service{cfg: cfg, store: opts.Store, log: opts.Logger}
	s.cache = depcache.New(depcache.Options{Config: cfg, Logger: opts.Logger, Now: opts.Now})
	for _, r := range depcache.DefaultRules() {
		if err := s.cache.AddRule(r); err != nil {
			return nil, err
		}
	}
	s.graph = depgraph.New()
	s.resolver = depgraph.NewResolver(s.graph, s.cache, opts.OrderTTL)
	s.snapshots = depcache.NewSnapshotStore(opts.Store, cfg, opts.Logger)

	s.events = manager.NewEventLog(eventLogSize, opts.Now)
	s.reg = manager.NewWithConfig(manager.ManagerConfig{
		Config:    cfg,
		Publisher: manager.Publishers{manager.PublisherFunc(s.onModuleEvent), s.events},
		Logger:    opts.Logger,
		Now:       opts.Now,
	})
	s.sched = manager.NewScheduler(s.reg, func(ctx context.Context, h *manager.Handle) error {
		_, err := s.ResolveModule(ctx, h.Name())
		return err
	})
	s.monitor = memory.New(memory.Options{Source: opts.Source, Config: cfg, Logger: opts.Logger, Now: opts.Now})
	s.monitor.SetReporter(s.reg)
	s.policy = manager.NewPolicy(s.reg, s.monitor)

	s.unsubs = append(s.unsubs,
		cfg.Subscribe(s.onConfigChange),
		s.monitor.OnSample(s.onSample),
		s.monitor.OnAlert(s.onAlert),
	)
	metrics.SetCacheSource(s.cacheStats)
	return s, nil
}

// onModuleEvent bridges registry events into the cache. Structural changes
// invalidate the dependency graph; load state changes only module results.
func (s *Service) onModuleEvent(e manager.Event) {
	var name string
	switch e.Name {
	case manager.EventRegister, manager.EventDeregister:
		name = "module." + e.Name
	case manager.EventLoadReady, manager.EventUnloadDone:
		name = "state." + e.Name
	default:
		return
	}
	s.cache.Publish(depcache.Event{Type: depcache.RuleDependencyChanged, Name: name})
}

func (s *Service) onConfigChange(c config.Change) {
	metrics.ObserveConfigChange(string(c.Source))
	s.cache.Publish(depcache.Event{Type: depcache.RuleDependencyChanged, Name: "config." + c.Key})
}

// onSample exports the sample and sheds cache entries when pressure rises to
// HIGH or beyond, and on every CRITICAL sample.
func (s *Service) onSample(sm memory.Sample) {
	metrics.SetMemory(sm.UsedPercent, int(sm.Level))
	prev := memory.Level(s.pressure.Swap(int32(sm.Level)))
	if sm.Level < memory.LevelHigh {
		return
	}
	if sm.Level > prev || sm.Level == memory.LevelCritical {
		s.cache.Publish(depcache.Event{Type: depcache.RuleMemoryPressure, Name: "memory." + sm.Level.String(), Level: sm.Level, Time: sm.Time})
	}
}

func (s *Service) onAlert(a memory.Alert) {
	metrics.ObserveAlert(a.Level.String(), a.Kind)
}

func (s *Service) cacheStats() metrics.CacheStats {
	m := s.cache.Metrics()
	return metrics.CacheStats{
		Hits: m.Hits, Misses: m.Misses, Sets: m.Sets, Evictions: m.Evictions,
		Expirations: m.Expirations, Invalidations: m.Invalidations,
		Entries: m.Entries, Bytes: m.Bytes,
	}
}

// Registry exposes the module registry.
func (s *Service) Registry() *manager.Registry { return s.reg }

// Config exposes the configuration engine.
func (s *Service) Config() *config.Engine { return s.cfg }

// Start restores persisted state, takes a first memory sample and launches
// the periodic workers. In eager loading mode it returns once the initial
// load queue has drained.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("service already started")
	}
	if err := s.cfg.LoadSnapshots(ctx); err != nil {
		s.log.Warn().Err(err).Msg("lifecycle event=restore_config_snapshots")
	}
	if err := s.snapshots.Load(ctx); err != nil {
		s.log.Warn().Err(err).Msg("lifecycle event=restore_graph_snapshots")
	}
	if err := s.reg.LoadUsage(ctx, s.store); err != nil {
		s.log.Warn().Err(err).Msg("lifecycle event=restore_usage")
	}
	if _, err := s.monitor.Sample(ctx); err != nil {
		s.log.Warn().Err(err).Msg("lifecycle event=initial_sample")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.mu.Lock()
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	for _, run := range []func(context.Context) error{s.monitor.Run, s.policy.Run, s.cache.Run} {
		g.Go(func() error {
			if err := run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := s.sched.Start(gctx); err != nil {
		return err
	}
	s.ready.Store(true)
	s.log.Info().Str("mode", s.sched.Mode()).Int("modules", len(s.reg.Handles())).Msg("lifecycle event=started")
	return nil
}

// Ready reports whether Start has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// Close stops every worker and persists usage data.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	metrics.SetCacheSource(nil)
	s.ready.Store(false)

	var errs []error
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := s.sched.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.reg.SaveUsage(ctx, s.store); err != nil {
		errs = append(errs, err)
	}
	s.log.Info().Msg("lifecycle event=stopped")
	return errors.Join(errs...)
}

// RegisterModule registers a module and its dependency edges. A module that
// would close a dependency cycle is refused before it becomes visible.
func (s *Service) RegisterModule(name string, loader manager.Loader, opts ...manager.RegisterOption) (*manager.Handle, error) {
	s.regMu.Lock()
	if err := s.graph.CheckSet(name, manager.OptionDeps(opts...)...); err != nil {
		s.regMu.Unlock()
		return nil, err
	}
	h, err := s.reg.Register(name, loader, opts...)
	if err != nil {
		s.regMu.Unlock()
		return nil, err
	}
	s.graph.Set(name, h.DependsOn()...)
	s.regMu.Unlock()

	if s.Ready() {
		s.sched.Enqueue(h)
	}
	return h, nil
}

// RegisterDescriptor registers a module described by m.
func (s *Service) RegisterDescriptor(m types.Module, loader manager.Loader) (*manager.Handle, error) {
	opts := []manager.RegisterOption{
		manager.WithPriority(m.Priority),
		manager.WithFootprint(m.SizeBytes),
		manager.WithDependsOn(m.DependsOn...),
	}
	if m.Strategy != "" {
		st, err := manager.ParseStrategy(m.Strategy)
		if err != nil {
			return nil, &config.ValidationError{Key: m.Name + ".strategy", Problems: []string{err.Error()}}
		}
		opts = append(opts, manager.WithStrategy(st))
	}
	return s.RegisterModule(m.Name, loader, opts...)
}

// DeregisterModule removes a module and its dependency edges.
func (s *Service) DeregisterModule(name string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if err := s.reg.Deregister(name); err != nil {
		return err
	}
	s.graph.Remove(name)
	return nil
}

// ResolveModule loads name's dependencies, deps first, then name itself.
func (s *Service) ResolveModule(ctx context.Context, name string) (any, error) {
	if _, ok := s.reg.Get(name); !ok {
		return nil, manager.ErrModuleNotFound(name)
	}
	order, err := s.resolver.Order(ctx, name)
	if err != nil {
		return nil, err
	}
	var v any
	for _, n := range order {
		v, err = s.reg.Resolve(ctx, n)
		if err != nil {
			if n != name {
				return nil, fmt.Errorf("resolve %s: dependency %s: %w", name, n, err)
			}
			return nil, err
		}
	}
	return v, nil
}

// SetUnloadStrategy overrides a module's strategy by name.
func (s *Service) SetUnloadStrategy(name, strategy string) error {
	st, err := manager.ParseStrategy(strategy)
	if err != nil {
		return &config.ValidationError{Key: "strategy", Problems: []string{err.Error()}}
	}
	return s.reg.SetStrategy(name, st)
}

// SetUserPreference records whether name may be unloaded automatically.
func (s *Service) SetUserPreference(name string, allowUnload bool) error {
	return s.reg.SetAllowUnload(name, allowUnload)
}

// ForceUnload unloads name now, pinned or not.
func (s *Service) ForceUnload(name string) (manager.UnloadRecord, error) {
	return s.reg.Unload(name)
}

// ResetModule clears name's failure count.
func (s *Service) ResetModule(name string) error { return s.reg.Reset(name) }

// Modules reports every module with the scheduler backlog.
func (s *Service) Modules() types.ModulesResponse {
	resp := s.reg.Status()
	resp.PendingLoads = s.sched.Pending()
	return resp
}

// RunUnloadTick runs one policy pass outside the periodic schedule.
func (s *Service) RunUnloadTick(ctx context.Context) manager.TickReport {
	return s.policy.Tick(ctx)
}

// RecentEvents returns up to limit of the newest module events.
func (s *Service) RecentEvents(limit int) types.EventsResponse {
	recent := s.events.Recent(limit)
	out := types.EventsResponse{Events: make([]types.EventRecord, 0, len(recent)), Dropped: s.events.Dropped()}
	for _, r := range recent {
		out.Events = append(out.Events, types.EventRecord{Name: r.Name, Module: r.Module, Fields: r.Fields, TimeUnix: r.Time.Unix()})
	}
	return out
}

// GetMemorySummary returns the monitor's current view.
func (s *Service) GetMemorySummary() memory.Summary { return s.monitor.Summary() }

// SampleMemory takes a sample outside the periodic schedule.
func (s *Service) SampleMemory(ctx context.Context) (memory.Sample, error) {
	return s.monitor.Sample(ctx)
}

// GetCacheMetrics returns the dependency cache counters.
func (s *Service) GetCacheMetrics() depcache.Metrics { return s.cache.Metrics() }

// Cache exposes the dependency cache for module loaders.
func (s *Service) Cache() *depcache.Cache { return s.cache }

// CacheInvalidate drops every entry tagged tag; "all" drops everything.
func (s *Service) CacheInvalidate(tag string) (int, error) {
	if tag == "" {
		return 0, &config.ValidationError{Key: "tag", Problems: []string{"tag is required"}}
	}
	return s.cache.Invalidate(tag), nil
}

// ConfigGet returns the live value for key.
func (s *Service) ConfigGet(key string) (config.Value, error) {
	v, ok := s.cfg.Get(key)
	if !ok {
		return config.Value{}, &config.KeyNotFoundError{Key: key}
	}
	return v, nil
}

// ConfigAll returns every live value.
func (s *Service) ConfigAll() []config.Value { return s.cfg.All() }

// ConfigSet validates and writes one key.
func (s *Service) ConfigSet(key string, value any) error {
	return s.cfg.Set(key, value, config.SourceRuntime)
}

// ConfigUpdate writes a batch; the result holds one entry per key.
func (s *Service) ConfigUpdate(values map[string]any) map[string]error {
	return s.cfg.Update(values, config.SourceRuntime)
}

// ConfigSnapshot captures the live configuration.
func (s *Service) ConfigSnapshot(ctx context.Context, description string, tags []string) (string, error) {
	return s.cfg.CreateSnapshot(ctx, description, tags)
}

// ConfigSnapshots lists stored configuration snapshots.
func (s *Service) ConfigSnapshots() []config.SnapshotInfo { return s.cfg.Snapshots() }

// ConfigRollback restores a snapshot by id or description.
func (s *Service) ConfigRollback(ref string) error { return s.cfg.Rollback(ref) }

// ConfigChanges returns up to limit recent changes, newest last.
func (s *Service) ConfigChanges(limit int) []config.Change { return s.cfg.Changes(limit) }

// ForceGC runs a full collection and returns memory to the OS.
func (s *Service) ForceGC() types.GCResponse {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	resp := types.GCResponse{
		HeapBefore: before.HeapAlloc,
		HeapAfter:  after.HeapAlloc,
		Freed:      int64(before.HeapAlloc) - int64(after.HeapAlloc),
		NumGC:      after.NumGC,
	}
	s.log.Info().Uint64("heap_before", resp.HeapBefore).Uint64("heap_after", resp.HeapAfter).Msg("lifecycle event=gc")
	return resp
}

// SaveGraphSnapshot persists the current dependency graph and returns its
// checksum.
func (s *Service) SaveGraphSnapshot(ctx context.Context) (string, error) {
	sum, err := s.snapshots.SaveSnapshot(ctx, s.graph.Export())
	if err != nil {
		return "", zerr.Wrap(err, "failed to save dependency graph")
	}
	return sum, nil
}

// RestoreGraphSnapshot replaces the dependency graph with a verified
// snapshot. Edges of registered modules not in the snapshot are kept.
func (s *Service) RestoreGraphSnapshot(ctx context.Context, checksum string) error {
	var edges map[string][]string
	if err := s.snapshots.RestoreSnapshot(ctx, checksum, &edges); err != nil {
		return err
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for _, h := range s.reg.Handles() {
		if _, ok := edges[h.Name()]; !ok {
			edges[h.Name()] = h.DependsOn()
		}
	}
	s.graph.Import(edges)
	s.cache.Publish(depcache.Event{Type: depcache.RuleDependencyChanged, Name: "module.restore"})
	return nil
}

// GraphSnapshots lists stored dependency-graph snapshots.
func (s *Service) GraphSnapshots() []depcache.SnapshotInfo { return s.snapshots.List() }
