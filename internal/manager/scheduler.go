package manager

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lazyd/internal/config"
)

// Loading modes for Scheduler.Start.
const (
	ModeBackground = "background"
	ModeEager      = "eager"
	ModeLazy       = "lazy"
)

type queueItem struct {
	h        *Handle
	priority int
	seq      uint64
}

// loadQueue is a min-heap by (priority, registration order).
type loadQueue []queueItem

func (q loadQueue) Len() int { return len(q) }
func (q loadQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q loadQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *loadQueue) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *loadQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// ResolveFunc loads one module. The default resolves the handle directly;
// the lifecycle service substitutes a dependency-aware resolve.
type ResolveFunc func(ctx context.Context, h *Handle) error

// Scheduler is the LoadScheduler: it preloads registered modules in
// priority order on a small worker pool.
type Scheduler struct {
	reg     *Registry
	resolve ResolveFunc

	mu      sync.Mutex
	queue   loadQueue
	queued  map[string]bool
	pending int
	idle    chan struct{}
	wake    chan struct{}
	started bool
	group   *errgroup.Group
}

func NewScheduler(reg *Registry, resolve ResolveFunc) *Scheduler {
	if resolve == nil {
		resolve = func(ctx context.Context, h *Handle) error {
			_, err := h.Resolve(ctx)
			return err
		}
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		reg:     reg,
		resolve: resolve,
		queued:  make(map[string]bool),
		idle:    idle,
		wake:    make(chan struct{}, 1),
	}
}

// Mode returns the configured loading mode.
func (s *Scheduler) Mode() string {
	switch m := s.reg.cfg.String(config.KeyLoaderMode); m {
	case ModeEager, ModeLazy:
		return m
	}
	return ModeBackground
}

// Enqueue schedules h for loading. Handles already queued, loading or loaded
// are ignored. In lazy mode nothing is queued.
func (s *Scheduler) Enqueue(h *Handle) bool {
	if s.Mode() == ModeLazy {
		return false
	}
	switch h.State() {
	case StateLoading, StateLoaded, StateUnregistered:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[h.name] {
		return false
	}
	s.queued[h.name] = true
	heap.Push(&s.queue, queueItem{h: h, priority: h.Priority(), seq: h.seq})
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Start enqueues every registered module and launches loader.concurrency
// workers that run until ctx is done. In eager mode Start also waits for the
// initial queue to drain. In lazy mode it does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	mode := s.Mode()
	if mode == ModeLazy {
		s.reg.log.Info().Msg("scheduler event=start mode=lazy")
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	workers := int(s.reg.cfg.Int(config.KeyLoaderConcurrency))
	if workers <= 0 {
		workers = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.mu.Unlock()

	for _, h := range s.reg.Handles() {
		if h.State() == StateRegistered {
			s.Enqueue(h)
		}
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	s.reg.log.Info().Str("mode", mode).Int("workers", workers).Msg("scheduler event=start")
	if mode == ModeEager {
		return s.WaitIdle(ctx)
	}
	return nil
}

// Wait blocks until the workers exit after their context is done.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// WaitIdle blocks until nothing is queued or loading.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle reports whether the queue is empty with no load in progress.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending == 0
}

// Pending is the number of queued plus in-progress loads.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) next(ctx context.Context) (*Handle, bool) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			it := heap.Pop(&s.queue).(queueItem)
			delete(s.queued, it.h.name)
			more := s.queue.Len() > 0
			s.mu.Unlock()
			if more {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			return it.h, true
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) done() {
	s.mu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		h, ok := s.next(ctx)
		if !ok {
			return
		}
		retry, after := s.process(ctx, h)
		if retry && after > 0 {
			t := time.NewTimer(after)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		if retry && ctx.Err() == nil {
			s.Enqueue(h)
		}
		s.done()
	}
}

// process loads one module, reporting whether it should be retried and how
// long its backoff still runs. Failures are logged and never stop the worker.
func (s *Scheduler) process(ctx context.Context, h *Handle) (retry bool, after time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			s.reg.log.Error().Str("module", h.name).Str("panic", fmt.Sprint(rec)).Bytes("stack", debug.Stack()).Msg("scheduler event=panic")
			retry = false
		}
	}()
	err := s.resolve(ctx, h)
	if err == nil || ctx.Err() != nil {
		return false, 0
	}
	var le *ModuleLoadError
	if !errors.As(err, &le) {
		s.reg.log.Warn().Str("module", h.name).Err(err).Msg("scheduler event=load_failed")
		return false, 0
	}
	if le.RetryAfter > 0 {
		s.reg.log.Debug().Str("module", h.name).Dur("after", le.RetryAfter).Msg("scheduler event=backoff")
		return true, le.RetryAfter
	}
	s.reg.log.Warn().Str("module", h.name).Err(err).Msg("scheduler event=load_failed")
	return !le.Exhausted, 0
}
