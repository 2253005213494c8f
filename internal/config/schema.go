package config

import "time"

// Kind is the value type of a tunable.
type Kind string

const (
	KindString   Kind = "string"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindDuration Kind = "duration"
)

// Rule describes the validation applied to writes of one key. Zero fields are
// not checked.
type Rule struct {
	Kind Kind
	// Min and Max bound int, float and duration values (durations in nanoseconds).
	Min *float64
	Max *float64
	// Enum restricts string values to a fixed set.
	Enum []string
	// Pattern is a regular expression string values must match.
	Pattern   string
	MinLength int
	MaxLength int
}

// Definition registers a key with its default and validator.
type Definition struct {
	Key         string
	Default     any
	Rule        Rule
	Description string
}

func bound(v float64) *float64 { return &v }

func durBound(d time.Duration) *float64 { return bound(float64(d)) }

// Keys read by the lifecycle components.
const (
	KeyLoaderMode        = "loader.mode"
	KeyLoaderConcurrency = "loader.concurrency"
	KeyLoaderTimeout     = "loader.timeout"
	KeyLoaderMaxRetries  = "loader.max_retries"
	KeyLoaderBackoff     = "loader.backoff"

	KeyUnloadStrategy        = "unload.strategy"
	KeyUnloadInterval        = "unload.interval"
	KeyUnloadMinSavings      = "unload.min_savings_bytes"
	KeyUnloadMaxPerCycle     = "unload.max_per_cycle"
	KeyUnloadCriticalTimeout = "unload.critical_timeout"
	KeyUnloadGC              = "unload.gc_after_unload"
	KeyUnloadHistorySize     = "unload.history_size"

	KeyMemoryInterval           = "memory.interval"
	KeyMemoryMediumPercent      = "memory.medium_percent"
	KeyMemoryHighPercent        = "memory.high_percent"
	KeyMemoryCriticalPercent    = "memory.critical_percent"
	KeyMemorySwapPercent        = "memory.swap_percent"
	KeyMemoryHistorySize        = "memory.history_size"
	KeyMemoryModuleHistorySize  = "memory.module_history_size"
	KeyMemoryTrendDeadband      = "memory.trend_deadband"
	KeyMemoryAlertsEnabled      = "memory.alerts_enabled"
	KeyMemorySuggestionsEnabled = "memory.suggestions_enabled"
	KeyMemoryAlertCooldown      = "memory.alert_cooldown"

	KeyCacheMaxBytes          = "cache.max_bytes"
	KeyCacheDefaultTTL        = "cache.default_ttl"
	KeyCacheSweepInterval     = "cache.sweep_interval"
	KeyCacheSnapshotRetention = "cache.snapshot_retention"
	KeyCacheCompressThreshold = "cache.compress_threshold"

	KeyConfigSnapshotRetention = "config.snapshot_retention"
	KeyConfigChangeLogSize     = "config.change_log_size"
)

// DefaultSchema returns the definitions of every tunable used by lazyd.
func DefaultSchema() []Definition {
	return []Definition{
		{Key: KeyLoaderMode, Default: "background", Rule: Rule{Kind: KindString, Enum: []string{"background", "eager", "lazy"}},
			Description: "startup loading mode"},
		{Key: KeyLoaderConcurrency, Default: int64(2), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(64)},
			Description: "background loader workers"},
		{Key: KeyLoaderTimeout, Default: 30 * time.Second, Rule: Rule{Kind: KindDuration, Min: durBound(time.Millisecond)},
			Description: "upper bound for a single load attempt"},
		{Key: KeyLoaderMaxRetries, Default: int64(3), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(100)},
			Description: "consecutive failures before resolves fail fast"},
		{Key: KeyLoaderBackoff, Default: time.Second, Rule: Rule{Kind: KindDuration, Min: bound(0)},
			Description: "base retry backoff, doubled per consecutive failure"},

		{Key: KeyUnloadStrategy, Default: "balanced", Rule: Rule{Kind: KindString, Enum: []string{"aggressive", "balanced", "conservative"}},
			Description: "default unloading strategy"},
		{Key: KeyUnloadInterval, Default: 30 * time.Second, Rule: Rule{Kind: KindDuration, Min: durBound(10 * time.Millisecond)},
			Description: "policy engine tick interval"},
		{Key: KeyUnloadMinSavings, Default: int64(16 << 20), Rule: Rule{Kind: KindInt, Min: bound(0)},
			Description: "minimum footprint for an eviction candidate"},
		{Key: KeyUnloadMaxPerCycle, Default: int64(3), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(1000)},
			Description: "evictions per tick under normal pressure"},
		{Key: KeyUnloadCriticalTimeout, Default: 30 * time.Second, Rule: Rule{Kind: KindDuration, Min: bound(0)},
			Description: "idle timeout under critical pressure"},
		{Key: KeyUnloadGC, Default: true, Rule: Rule{Kind: KindBool},
			Description: "run garbage collection after unloading"},
		{Key: KeyUnloadHistorySize, Default: int64(256), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(100000)},
			Description: "retained unload records"},

		{Key: KeyMemoryInterval, Default: 5 * time.Second, Rule: Rule{Kind: KindDuration, Min: durBound(10 * time.Millisecond)},
			Description: "memory sampling interval"},
		{Key: KeyMemoryMediumPercent, Default: 50.0, Rule: Rule{Kind: KindFloat, Min: bound(0), Max: bound(100)},
			Description: "used-memory percent where pressure becomes MEDIUM"},
		{Key: KeyMemoryHighPercent, Default: 70.0, Rule: Rule{Kind: KindFloat, Min: bound(0), Max: bound(100)},
			Description: "used-memory percent where pressure becomes HIGH"},
		{Key: KeyMemoryCriticalPercent, Default: 85.0, Rule: Rule{Kind: KindFloat, Min: bound(0), Max: bound(100)},
			Description: "used-memory percent where pressure becomes CRITICAL"},
		{Key: KeyMemorySwapPercent, Default: 50.0, Rule: Rule{Kind: KindFloat, Min: bound(0), Max: bound(100)},
			Description: "swap-used percent that raises the swap signal"},
		{Key: KeyMemoryHistorySize, Default: int64(720), Rule: Rule{Kind: KindInt, Min: bound(3), Max: bound(1 << 20)},
			Description: "retained global samples"},
		{Key: KeyMemoryModuleHistorySize, Default: int64(120), Rule: Rule{Kind: KindInt, Min: bound(3), Max: bound(1 << 16)},
			Description: "retained samples per module"},
		{Key: KeyMemoryTrendDeadband, Default: 0.001, Rule: Rule{Kind: KindFloat, Min: bound(0), Max: bound(1)},
			Description: "relative slope per sample treated as stable"},
		{Key: KeyMemoryAlertsEnabled, Default: true, Rule: Rule{Kind: KindBool}},
		{Key: KeyMemorySuggestionsEnabled, Default: true, Rule: Rule{Kind: KindBool}},
		{Key: KeyMemoryAlertCooldown, Default: 5 * time.Minute, Rule: Rule{Kind: KindDuration, Min: bound(0)},
			Description: "minimum spacing between alerts of the same level"},

		{Key: KeyCacheMaxBytes, Default: int64(64 << 20), Rule: Rule{Kind: KindInt, Min: bound(1)},
			Description: "byte budget for cached results"},
		{Key: KeyCacheDefaultTTL, Default: time.Hour, Rule: Rule{Kind: KindDuration, Min: bound(0)},
			Description: "TTL used when Set is given zero"},
		{Key: KeyCacheSweepInterval, Default: time.Minute, Rule: Rule{Kind: KindDuration, Min: durBound(10 * time.Millisecond)}},
		{Key: KeyCacheSnapshotRetention, Default: int64(10), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(10000)},
			Description: "retained dependency-graph snapshots"},
		{Key: KeyCacheCompressThreshold, Default: int64(1024), Rule: Rule{Kind: KindInt, Min: bound(0)},
			Description: "snapshot payload size above which gzip is applied"},

		{Key: KeyConfigSnapshotRetention, Default: int64(50), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(10000)}},
		{Key: KeyConfigChangeLogSize, Default: int64(1000), Rule: Rule{Kind: KindInt, Min: bound(1), Max: bound(1 << 20)}},
	}
}
