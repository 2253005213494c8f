// Package depcache caches the results of expensive dependency-resolution
// computations.
//
// Entries are keyed by a hash of an operation name and its canonicalized
// parameters, expire lazily on access and eagerly on Sweep, and are evicted
// by a sampled recency/frequency score once the byte budget is exceeded.
// Invalidation rules run against events published on the cache's bus.
package depcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lazyd/internal/config"
)

const (
	// TagAll matches every entry in Invalidate and in rule tag sets.
	TagAll = "all"

	evictionSample  = 16
	frequencyWeight = time.Minute
)

// Sizer lets a cached value report its own size.
type Sizer interface {
	SizeBytes() int64
}

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Key         string
	Value       any
	Tag         string
	Size        int64
	TTL         time.Duration
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastAccess  time.Time
	AccessCount uint64
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// score orders eviction candidates; lower is evicted first. Frequent use
// buys an entry extra time on a log scale.
func (e *Entry) score() int64 {
	bonus := time.Duration(math.Log2(1+float64(e.AccessCount)) * float64(frequencyWeight))
	return e.LastAccess.Add(bonus).UnixNano()
}

// Options configures a Cache.
type Options struct {
	Config config.Reader
	Logger zerolog.Logger
	Now    func() time.Time
}

// Cache is the DependencyResultCache. Safe for concurrent use.
type Cache struct {
	cfg config.Reader
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	bytes   int64
	rules   []Rule
	stats   counters

	group singleflight.Group
}

// New builds an empty cache with no rules.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		cfg:     opts.Config,
		log:     opts.Logger,
		now:     opts.Now,
		entries: make(map[string]*Entry),
	}
}

// Key hashes an operation name and its parameters. Parameters are
// canonicalized through JSON, which sorts map keys, so equal inputs give
// equal keys regardless of map iteration order.
func Key(op string, params any) string {
	h := xxhash.New()
	_, _ = h.WriteString(op)
	_, _ = h.Write([]byte{0})
	b, err := json.Marshal(params)
	if err != nil {
		b = fmt.Appendf(nil, "%#v", params)
	}
	_, _ = h.Write(b)
	return fmt.Sprintf("%s:%016x", op, h.Sum64())
}

func sizeOf(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	case Sizer:
		return t.SizeBytes()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(b))
}

// Get returns the value for key. A miss (absent or expired) reports false.
func (c *Cache) Get(key string) (any, bool) {
	return c.get(key, true)
}

func (c *Cache) get(key string, countMiss bool) (any, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		c.removeLocked(e)
		c.stats.expirations++
		ok = false
	}
	if !ok {
		if countMiss {
			c.stats.misses++
		}
		return nil, false
	}
	e.AccessCount++
	e.LastAccess = now
	c.stats.hits++
	return e.Value, true
}

// Peek returns a copy of the entry without touching its counters.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return Entry{}, false
	}
	return *e, true
}

// Set stores value under key. ttl <= 0 uses cache.default_ttl. A value
// larger than the whole budget is not stored, and any older value under
// key is dropped so readers never see it after the overwrite.
func (c *Cache) Set(key string, value any, ttl time.Duration, tag string) {
	if ttl <= 0 {
		ttl = c.cfg.Duration(config.KeyCacheDefaultTTL)
	}
	size := sizeOf(value)
	budget := c.cfg.Int(config.KeyCacheMaxBytes)
	if budget > 0 && size > budget {
		c.log.Warn().Str("key", key).Int64("size", size).Int64("budget", budget).Msg("cache event=set_rejected reason=oversize")
		c.mu.Lock()
		if old, ok := c.entries[key]; ok {
			c.removeLocked(old)
			c.stats.invalidations++
		}
		c.mu.Unlock()
		return
	}
	now := c.now()
	e := &Entry{Key: key, Value: value, Tag: tag, Size: size, TTL: ttl, CreatedAt: now, LastAccess: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.entries[key] = e
	c.bytes += size
	c.stats.sets++
	c.evictLocked(budget, now)
}

// Lookup is Get keyed by Key(op, params).
func (c *Cache) Lookup(op string, params any) (any, bool) {
	return c.Get(Key(op, params))
}

// Store is Set keyed by Key(op, params).
func (c *Cache) Store(op string, params any, value any, ttl time.Duration, tag string) {
	c.Set(Key(op, params), value, ttl, tag)
}

// GetOrCompute returns the cached value for key or runs fn once across all
// concurrent callers missing the same key, caching a successful result.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tag string, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	// the shared computation must not die with whichever caller started it
	compute := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.get(key, false); ok {
			return v, nil
		}
		v, err := fn(compute)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl, tag)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

// Delete removes one entry.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
		c.stats.invalidations++
	}
	return ok
}

// Invalidate removes every entry with the given tag, or everything for
// TagAll. The removal is atomic with respect to readers.
func (c *Cache) Invalidate(tag string) int {
	c.mu.Lock()
	n := c.invalidateLocked(func(e *Entry) bool { return tag == TagAll || e.Tag == tag })
	c.mu.Unlock()
	if n > 0 {
		c.log.Info().Str("tag", tag).Int("removed", n).Msg("cache event=invalidate")
	}
	return n
}

func (c *Cache) invalidateLocked(match func(*Entry) bool) int {
	n := 0
	for _, e := range c.entries {
		if match(e) {
			c.removeLocked(e)
			n++
		}
	}
	c.stats.invalidations += uint64(n)
	return n
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.Key)
	c.bytes -= e.Size
}

// evictLocked drops entries until the budget holds. Each round samples up to
// evictionSample entries and removes the lowest-scored one, preferring
// anything already expired.
func (c *Cache) evictLocked(budget int64, now time.Time) {
	if budget <= 0 {
		return
	}
	for c.bytes > budget && len(c.entries) > 0 {
		var victim *Entry
		i := 0
		for _, e := range c.entries {
			if e.expired(now) {
				victim = e
				break
			}
			if victim == nil || e.score() < victim.score() {
				victim = e
			}
			i++
			if i >= evictionSample {
				break
			}
		}
		c.removeLocked(victim)
		if victim.expired(now) {
			c.stats.expirations++
		} else {
			c.stats.evictions++
		}
	}
}

// Sweep removes expired entries and applies time-based rules. It returns
// the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	n := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			n++
		}
	}
	c.stats.expirations += uint64(n)
	n += c.applyLocked(Event{Type: RuleTimeBased, Time: now})
	c.mu.Unlock()
	if n > 0 {
		c.log.Debug().Int("removed", n).Msg("cache event=sweep")
	}
	return n
}

// Run sweeps on cache.sweep_interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	for {
		interval := c.cfg.Duration(config.KeyCacheSweepInterval)
		if interval <= 0 {
			interval = time.Minute
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		c.safeSweep()
	}
}

func (c *Cache) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("cache event=sweep_panic")
		}
	}()
	c.Sweep()
}

// EntryInfo describes an entry without its value.
type EntryInfo struct {
	Key         string    `json:"key"`
	Tag         string    `json:"tag"`
	Size        int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessCount uint64    `json:"access_count"`
}

// Entries lists live entries ordered by key.
func (c *Cache) Entries() []EntryInfo {
	now := c.now()
	c.mu.Lock()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, EntryInfo{Key: e.Key, Tag: e.Tag, Size: e.Size, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt, AccessCount: e.AccessCount})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
