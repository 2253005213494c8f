package depcache

import "lazyd/internal/config"

type counters struct {
	hits, misses, sets, evictions, expirations, invalidations uint64
}

// Metrics is the getCacheMetrics result.
type Metrics struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Sets          uint64  `json:"sets"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	Invalidations uint64  `json:"invalidations"`
	HitRatio      float64 `json:"hit_ratio"`
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	MaxBytes      int64   `json:"max_bytes"`
	Rules         int     `json:"rules"`
}

func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Hits:          c.stats.hits,
		Misses:        c.stats.misses,
		Sets:          c.stats.sets,
		Evictions:     c.stats.evictions,
		Expirations:   c.stats.expirations,
		Invalidations: c.stats.invalidations,
		Entries:       len(c.entries),
		Bytes:         c.bytes,
		MaxBytes:      c.cfg.Int(config.KeyCacheMaxBytes),
		Rules:         len(c.rules),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRatio = float64(m.Hits) / float64(total)
	}
	return m
}
