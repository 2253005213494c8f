package manager

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"lazyd/internal/config"
	"lazyd/internal/memory"
)

// PressureSource reports the current memory pressure.
type PressureSource interface {
	Pressure() memory.Level
}

// Policy is the UnloadPolicyEngine. It only reads handle snapshots and never
// waits on a load.
type Policy struct {
	reg      *Registry
	pressure PressureSource
	// gc runs after a tick that unloaded something, if unload.gc_after_unload.
	gc func()
}

func NewPolicy(reg *Registry, pressure PressureSource) *Policy {
	return &Policy{reg: reg, pressure: pressure, gc: func() {
		runtime.GC()
		debug.FreeOSMemory()
	}}
}

// Candidate is a module eligible for unloading in a tick.
type Candidate struct {
	Name      string        `json:"name"`
	Idle      time.Duration `json:"idle"`
	Timeout   time.Duration `json:"timeout"`
	Footprint int64         `json:"footprint"`
	// Score is the pressure-derived urgency: 0 normal, 1 elevated, 2 max.
	Score    int `json:"score"`
	Priority int `json:"priority"`
}

// TickReport summarizes one policy tick.
type TickReport struct {
	Time       time.Time      `json:"time"`
	Level      memory.Level   `json:"level"`
	Candidates []Candidate    `json:"candidates"`
	Unloaded   []UnloadRecord `json:"unloaded"`
	Skipped    []string       `json:"skipped"`
	FreedBytes int64          `json:"freed_bytes"`
	GC         bool           `json:"gc"`
}

// effectiveTimeout returns the idle timeout and urgency score for a strategy
// under the given pressure.
func (p *Policy) effectiveTimeout(s Strategy, level memory.Level) (time.Duration, int) {
	switch level {
	case memory.LevelCritical:
		d := p.reg.cfg.Duration(config.KeyUnloadCriticalTimeout)
		if d <= 0 {
			d = defaultCriticalTimeout
		}
		return d, 2
	case memory.LevelHigh:
		return s.Timeout() / 2, 1
	default:
		return s.Timeout(), 0
	}
}

func (p *Policy) maxPerCycle(level memory.Level) int {
	n := int(p.reg.cfg.Int(config.KeyUnloadMaxPerCycle))
	if n <= 0 {
		n = defaultMaxPerCycle
	}
	switch level {
	case memory.LevelCritical:
		n += 5
	case memory.LevelHigh:
		n += 2
	}
	return n
}

// Candidates lists, in eviction order, every module that would be
// considered at the given pressure level.
func (p *Policy) Candidates(level memory.Level) []Candidate {
	r := p.reg
	now := r.now()
	minSavings := r.cfg.Int(config.KeyUnloadMinSavings)
	def := r.defaultStrategy()

	var out []Candidate
	for _, h := range r.Handles() {
		s := h.Snapshot()
		if s.State != StateLoaded || s.Pinned {
			continue
		}
		strategy := s.Strategy
		if strategy == "" {
			strategy = def
		}
		timeout, score := p.effectiveTimeout(strategy, level)
		idle := now.Sub(s.LastUsed)
		if idle < timeout || s.Footprint < minSavings {
			continue
		}
		out = append(out, Candidate{Name: s.Name, Idle: idle, Timeout: timeout, Footprint: s.Footprint, Score: score, Priority: s.Priority})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Footprint > b.Footprint
	})
	return out
}

func reasonFor(level memory.Level) string {
	switch level {
	case memory.LevelCritical:
		return ReasonCritical
	case memory.LevelHigh:
		return ReasonHighIdle
	default:
		return ReasonIdle
	}
}

// Tick runs one eviction pass. Skipped unloads are soft and retried on the
// next tick; a cancelled ctx stops the pass between unloads.
func (p *Policy) Tick(ctx context.Context) TickReport {
	r := p.reg
	level := memory.LevelLow
	if p.pressure != nil {
		level = p.pressure.Pressure()
	}
	rep := TickReport{Time: r.now(), Level: level, Candidates: p.Candidates(level)}

	limit := p.maxPerCycle(level)
	minSavings := r.cfg.Int(config.KeyUnloadMinSavings)
	for _, c := range rep.Candidates {
		if len(rep.Unloaded) >= limit || ctx.Err() != nil {
			break
		}
		h, ok := r.Get(c.Name)
		if !ok {
			continue
		}
		rec, err := h.unload(reasonFor(level), &evictCheck{timeout: c.Timeout, minSavings: minSavings})
		if err != nil {
			rep.Skipped = append(rep.Skipped, c.Name)
			continue
		}
		rep.Unloaded = append(rep.Unloaded, rec)
		rep.FreedBytes += rec.FreedBytes
	}

	if len(rep.Unloaded) > 0 && r.cfg.Bool(config.KeyUnloadGC) && p.gc != nil {
		p.gc()
		rep.GC = true
	}
	if len(rep.Unloaded) > 0 || len(rep.Skipped) > 0 {
		r.log.Info().Str("pressure", level.String()).Int("candidates", len(rep.Candidates)).
			Int("unloaded", len(rep.Unloaded)).Int("skipped", len(rep.Skipped)).
			Int64("freed", rep.FreedBytes).Msg("policy event=tick")
	}
	return rep
}

// Run ticks on unload.interval until ctx is done. A panicking tick is logged
// and the loop continues.
func (p *Policy) Run(ctx context.Context) error {
	for {
		interval := p.reg.cfg.Duration(config.KeyUnloadInterval)
		if interval <= 0 {
			interval = defaultUnloadInterval
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		p.safeTick(ctx)
	}
}

func (p *Policy) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.reg.log.Error().Str("panic", fmt.Sprint(rec)).Bytes("stack", debug.Stack()).Msg("policy event=tick_panic")
		}
	}()
	p.Tick(ctx)
}
