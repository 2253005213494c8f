package depcache

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"time"

	"lazyd/internal/memory"
)

// RuleType names what kind of event a rule reacts to.
type RuleType string

const (
	RuleTimeBased         RuleType = "time-based"
	RuleDependencyChanged RuleType = "dependency-changed"
	RuleMemoryPressure    RuleType = "memory-pressure"
	RuleExplicitEvent     RuleType = "explicit-event"
)

// Rule is an invalidation rule. Rules are immutable once added.
type Rule struct {
	Name string
	Type RuleType
	// Trigger is a path.Match glob tested against Event.Name. Empty matches
	// any name.
	Trigger string
	// Tags is the affected tag set; TagAll matches every entry.
	Tags []string
	// Priority orders evaluation; lower runs first.
	Priority int
	// MinLevel gates memory-pressure rules. Zero means HIGH.
	MinLevel memory.Level
	// Fraction of matching entries a memory-pressure rule drops, lowest
	// access count first. Zero means 0.25, doubled under CRITICAL.
	Fraction float64
	// MaxAge is the entry age after which a time-based rule removes it.
	MaxAge time.Duration
}

// Event is published on the cache's bus.
type Event struct {
	Type  RuleType
	Name  string
	Level memory.Level
	Time  time.Time
}

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.Type {
	case RuleTimeBased:
		if r.MaxAge <= 0 {
			return fmt.Errorf("rule %s: time-based rule needs a positive max age", r.Name)
		}
	case RuleDependencyChanged, RuleExplicitEvent, RuleMemoryPressure:
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type)
	}
	if len(r.Tags) == 0 {
		return fmt.Errorf("rule %s: no affected tags", r.Name)
	}
	if r.Trigger != "" {
		if _, err := path.Match(r.Trigger, ""); err != nil {
			return fmt.Errorf("rule %s: bad trigger: %w", r.Name, err)
		}
	}
	if r.Fraction < 0 || r.Fraction > 1 {
		return fmt.Errorf("rule %s: fraction must be within [0,1]", r.Name)
	}
	return nil
}

func (r Rule) affects(tag string) bool {
	return slices.Contains(r.Tags, TagAll) || slices.Contains(r.Tags, tag)
}

func (r Rule) triggeredBy(ev Event) bool {
	if r.Type != ev.Type {
		return false
	}
	switch r.Type {
	case RuleMemoryPressure:
		floor := r.MinLevel
		if floor == memory.LevelLow {
			floor = memory.LevelHigh
		}
		return ev.Level >= floor
	case RuleTimeBased:
		return true
	}
	if r.Trigger == "" {
		return true
	}
	ok, _ := path.Match(r.Trigger, ev.Name)
	return ok
}

// AddRule registers an invalidation rule. Names are unique.
func (c *Cache) AddRule(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	r.Tags = slices.Clone(r.Tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.rules {
		if have.Name == r.Name {
			return fmt.Errorf("rule %s already registered", r.Name)
		}
	}
	c.rules = append(c.rules, r)
	sort.SliceStable(c.rules, func(i, j int) bool { return c.rules[i].Priority < c.rules[j].Priority })
	return nil
}

// Rules returns the registered rules in evaluation order.
func (c *Cache) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		r.Tags = slices.Clone(r.Tags)
		out[i] = r
	}
	return out
}

// Publish evaluates every rule triggered by ev, in priority order, as one
// atomic step. It returns the number of entries removed.
func (c *Cache) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.mu.Lock()
	n := c.applyLocked(ev)
	c.mu.Unlock()
	if n > 0 {
		c.log.Info().Str("event", string(ev.Type)).Str("name", ev.Name).Int("removed", n).Msg("cache event=rules_applied")
	}
	return n
}

func (c *Cache) applyLocked(ev Event) int {
	n := 0
	for _, r := range c.rules {
		if !r.triggeredBy(ev) {
			continue
		}
		switch r.Type {
		case RuleTimeBased:
			n += c.invalidateLocked(func(e *Entry) bool {
				return r.affects(e.Tag) && ev.Time.Sub(e.CreatedAt) >= r.MaxAge
			})
		case RuleMemoryPressure:
			n += c.shedLocked(r, ev.Level)
		default:
			n += c.invalidateLocked(func(e *Entry) bool { return r.affects(e.Tag) })
		}
	}
	return n
}

// shedLocked drops the least-accessed share of the entries r affects.
func (c *Cache) shedLocked(r Rule, level memory.Level) int {
	var matched []*Entry
	for _, e := range c.entries {
		if r.affects(e.Tag) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return 0
	}
	frac := r.Fraction
	if frac == 0 {
		frac = 0.25
	}
	if level >= memory.LevelCritical {
		frac = min(1, frac*2)
	}
	k := int(float64(len(matched))*frac + 0.5)
	if k < 1 {
		k = 1
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AccessCount != matched[j].AccessCount {
			return matched[i].AccessCount < matched[j].AccessCount
		}
		return matched[i].LastAccess.Before(matched[j].LastAccess)
	})
	for _, e := range matched[:k] {
		c.removeLocked(e)
	}
	c.stats.invalidations += uint64(k)
	return k
}

// DefaultRules are installed by the lifecycle service.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "registry-change", Type: RuleDependencyChanged, Trigger: "module.*", Tags: []string{TagDependencyGraph, TagModule}, Priority: 10},
		{Name: "module-state", Type: RuleDependencyChanged, Trigger: "state.*", Tags: []string{TagModule}, Priority: 15},
		{Name: "config-change", Type: RuleDependencyChanged, Trigger: "config.*", Tags: []string{TagConfigDerived}, Priority: 20},
		{Name: "memory-pressure", Type: RuleMemoryPressure, Tags: []string{TagAll}, Priority: 30},
		{Name: "manual-flush", Type: RuleExplicitEvent, Trigger: "flush", Tags: []string{TagAll}, Priority: 40},
		{Name: "stale-graph", Type: RuleTimeBased, Tags: []string{TagDependencyGraph}, MaxAge: 6 * time.Hour, Priority: 50},
	}
}

// Tags used by lazyd's own cached computations.
const (
	TagDependencyGraph = "dependency-graph"
	TagModule          = "module"
	TagConfigDerived   = "config-derived"
)
