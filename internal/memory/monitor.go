package memory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lazyd/internal/config"
)

// FootprintReporter supplies per-module resident estimates in bytes.
type FootprintReporter interface {
	Footprints() map[string]int64
}

const alertLogSize = 64

// Options configures a Monitor.
type Options struct {
	Source Source
	Config config.Reader
	Logger zerolog.Logger
	Now    func() time.Time
}

// Monitor is the MemoryMonitor. All methods are safe for concurrent use.
type Monitor struct {
	src Source
	cfg config.Reader
	log zerolog.Logger
	now func() time.Time

	mu        sync.RWMutex
	reporter  FootprintReporter
	history   *ring[Sample]
	modules   map[string]*ring[float64]
	alerts    *ring[Alert]
	lastAlert map[string]time.Time
	subs      map[int]func(Alert)
	sampleFns map[int]func(Sample)
	nextSub   int
}

// New builds a Monitor. Source and Config are required.
func New(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		src:       opts.Source,
		cfg:       opts.Config,
		log:       opts.Logger,
		now:       opts.Now,
		modules:   make(map[string]*ring[float64]),
		alerts:    newRing[Alert](alertLogSize),
		lastAlert: make(map[string]time.Time),
		subs:      make(map[int]func(Alert)),
		sampleFns: make(map[int]func(Sample)),
	}
	m.history = newRing[Sample](m.historySize())
	return m
}

// SetReporter installs the per-module footprint source.
func (m *Monitor) SetReporter(r FootprintReporter) {
	m.mu.Lock()
	m.reporter = r
	m.mu.Unlock()
}

func (m *Monitor) historySize() int {
	if n := int(m.cfg.Int(config.KeyMemoryHistorySize)); n > 0 {
		return n
	}
	return 720
}

func (m *Monitor) moduleHistorySize() int {
	if n := int(m.cfg.Int(config.KeyMemoryModuleHistorySize)); n > 0 {
		return n
	}
	return 120
}

func (m *Monitor) thresholds() Thresholds {
	return Thresholds{
		Medium:   m.cfg.Float(config.KeyMemoryMediumPercent),
		High:     m.cfg.Float(config.KeyMemoryHighPercent),
		Critical: m.cfg.Float(config.KeyMemoryCriticalPercent),
		Swap:     m.cfg.Float(config.KeyMemorySwapPercent),
	}
}

// Sample takes one reading, records it and raises any alerts.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	st, err := m.src.Read(ctx)
	if err != nil {
		return Sample{}, err
	}
	s := NewSample(m.now(), st, m.thresholds())

	m.mu.Lock()
	prev, hasPrev := m.history.last()
	m.history.resize(m.historySize())
	m.history.push(s)
	reporter := m.reporter
	m.mu.Unlock()

	if reporter != nil {
		m.recordFootprints(reporter.Footprints())
	}

	if hasPrev && prev.Level != s.Level {
		m.log.Info().Str("from", prev.Level.String()).Str("to", s.Level.String()).
			Float64("used_percent", s.UsedPercent).Msg("memory event=pressure_change")
	}
	m.raise(alertsFor(prev, s, hasPrev, m.cfg.Bool(config.KeyMemorySuggestionsEnabled)))

	m.mu.RLock()
	fns := make([]func(Sample), 0, len(m.sampleFns))
	for _, fn := range m.sampleFns {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		m.safeCall(func() { fn(s) })
	}
	return s, nil
}

func (m *Monitor) recordFootprints(fp map[string]int64) {
	size := m.moduleHistorySize()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, b := range fp {
		r, ok := m.modules[name]
		if !ok {
			r = newRing[float64](size)
			m.modules[name] = r
		}
		r.resize(size)
		r.push(float64(b))
	}
	for name := range m.modules {
		if _, ok := fp[name]; !ok {
			delete(m.modules, name)
		}
	}
}

func (m *Monitor) raise(candidates []Alert) {
	if len(candidates) == 0 || !m.cfg.Bool(config.KeyMemoryAlertsEnabled) {
		return
	}
	cooldown := m.cfg.Duration(config.KeyMemoryAlertCooldown)
	var emitted []Alert
	m.mu.Lock()
	for _, a := range candidates {
		k := cooldownKey(a)
		if last, ok := m.lastAlert[k]; ok && a.Time.Sub(last) < cooldown {
			continue
		}
		m.lastAlert[k] = a.Time
		m.alerts.push(a)
		emitted = append(emitted, a)
	}
	subs := make([]func(Alert), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, a := range emitted {
		ev := m.log.Warn()
		if a.Level == LevelCritical {
			ev = m.log.Error()
		}
		ev.Str("level", a.Level.String()).Str("kind", a.Kind).Bool("action_required", a.ActionRequired).
			Msg("memory event=alert " + a.Message)
		for _, fn := range subs {
			m.safeCall(func() { fn(a) })
		}
	}
}

func (m *Monitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("memory event=subscriber_panic")
		}
	}()
	fn()
}

// OnAlert registers fn for every emitted alert and returns an unsubscribe func.
func (m *Monitor) OnAlert(fn func(Alert)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// OnSample registers fn for every recorded sample.
func (m *Monitor) OnSample(fn func(Sample)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.sampleFns[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.sampleFns, id)
		m.mu.Unlock()
	}
}

// Run samples on memory.interval until ctx is done. A failed or panicking
// tick is logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.tick(ctx)
		interval := m.cfg.Duration(config.KeyMemoryInterval)
		if interval <= 0 {
			interval = 5 * time.Second
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("memory event=tick_panic")
		}
	}()
	if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Msg("memory event=sample_failed")
	}
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.last()
}

// Pressure is the level of the latest sample, LOW before the first one.
func (m *Monitor) Pressure() Level {
	s, ok := m.Latest()
	if !ok {
		return LevelLow
	}
	return s.Level
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.items()
}

// ModuleHistory returns the retained footprint series for one module.
func (m *Monitor) ModuleHistory(name string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.modules[name]; ok {
		return r.items()
	}
	return nil
}

// Alerts returns up to limit most recent alerts, oldest first. limit <= 0
// returns all retained.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.RLock()
	all := m.alerts.items()
	m.mu.RUnlock()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// ModuleMemory is the per-module part of a Summary.
type ModuleMemory struct {
	Name      string  `json:"name"`
	Bytes     int64   `json:"bytes"`
	Samples   int     `json:"samples"`
	Trend     Trend   `json:"trend"`
	LeakScore float64 `json:"leak_score"`
}

// Summary is the getMemorySummary result.
type Summary struct {
	Current   *Sample        `json:"current,omitempty"`
	Samples   int            `json:"samples"`
	Trend     Trend          `json:"trend"`
	LeakScore float64        `json:"leak_score"`
	Modules   []ModuleMemory `json:"modules"`
	Alerts    []Alert        `json:"recent_alerts"`
}

// Summary reports the current state with global and per-module signals.
func (m *Monitor) Summary() Summary {
	deadband := m.cfg.Float(config.KeyMemoryTrendDeadband)

	m.mu.RLock()
	hist := m.history.items()
	mods := make(map[string][]float64, len(m.modules))
	for name, r := range m.modules {
		mods[name] = r.items()
	}
	m.mu.RUnlock()

	used := make([]float64, len(hist))
	for i, s := range hist {
		used[i] = float64(s.Used)
	}
	sum := Summary{
		Samples:   len(hist),
		Trend:     TrendOf(used, deadband),
		LeakScore: LeakScore(used),
		Modules:   make([]ModuleMemory, 0, len(mods)),
		Alerts:    m.Alerts(10),
	}
	if len(hist) > 0 {
		cur := hist[len(hist)-1]
		sum.Current = &cur
	}
	for name, series := range mods {
		mm := ModuleMemory{Name: name, Samples: len(series), Trend: TrendOf(series, deadband), LeakScore: LeakScore(series)}
		if len(series) > 0 {
			mm.Bytes = int64(series[len(series)-1])
		}
		sum.Modules = append(sum.Modules, mm)
	}
	sort.Slice(sum.Modules, func(i, j int) bool { return sum.Modules[i].Name < sum.Modules[j].Name })
	return sum
}
