// Package metrics holds lazyd's Prometheus collectors. Collectors are
// registered with the default registry at init, matching the /metrics
// handler served by httpapi.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lazyd"

var (
	moduleLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "loads_total",
			Help:      "Module load attempts by result",
		},
		[]string{"module", "result"},
	)

	moduleLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "load_duration_seconds",
			Help:      "Duration of module load attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		},
		[]string{"module"},
	)

	moduleUnloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "unloads_total",
			Help:      "Module unloads by reason",
		},
		[]string{"module", "reason"},
	)

	moduleFreedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "freed_bytes_total",
			Help:      "Estimated bytes released by unloads",
		},
		[]string{"module"},
	)

	unloadSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "unload_skipped_total",
			Help:      "Unloads skipped because the module was still in use",
		},
		[]string{"module"},
	)

	modulesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "loaded",
			Help:      "Modules currently loaded",
		},
	)

	memoryUsedPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "used_percent",
			Help:      "Used system memory at the last sample",
		},
	)

	memoryPressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "pressure_level",
			Help:      "Pressure level at the last sample (0=LOW .. 3=CRITICAL)",
		},
	)

	memoryAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "alerts_total",
			Help:      "Memory alerts emitted",
		},
		[]string{"level", "kind"},
	)

	configChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "changes_total",
			Help:      "Configuration values changed, by source",
		},
		[]string{"source"},
	)

	cache = &cacheCollector{}
)

func init() {
	prometheus.MustRegister(
		moduleLoadsTotal, moduleLoadDuration, moduleUnloadsTotal, moduleFreedBytes,
		unloadSkippedTotal, modulesLoaded, memoryUsedPercent, memoryPressure,
		memoryAlertsTotal, configChangesTotal, cache,
	)
}

// ObserveLoad records one load attempt.
func ObserveLoad(module string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	moduleLoadsTotal.WithLabelValues(module, result).Inc()
	moduleLoadDuration.WithLabelValues(module).Observe(seconds)
}

// ObserveUnload records a completed unload.
func ObserveUnload(module, reason string, freedBytes int64) {
	moduleUnloadsTotal.WithLabelValues(module, reason).Inc()
	if freedBytes > 0 {
		moduleFreedBytes.WithLabelValues(module).Add(float64(freedBytes))
	}
}

func ObserveUnloadSkipped(module string) { unloadSkippedTotal.WithLabelValues(module).Inc() }

func SetModulesLoaded(n int) { modulesLoaded.Set(float64(n)) }

// SetMemory records the latest sample.
func SetMemory(usedPercent float64, level int) {
	memoryUsedPercent.Set(usedPercent)
	memoryPressure.Set(float64(level))
}

func ObserveAlert(level, kind string) { memoryAlertsTotal.WithLabelValues(level, kind).Inc() }

func ObserveConfigChange(source string) { configChangesTotal.WithLabelValues(source).Inc() }

// CacheStats is what the cache collector exports.
type CacheStats struct {
	Hits, Misses, Sets, Evictions, Expirations, Invalidations uint64
	Entries                                                   int
	Bytes                                                     int64
}

// SetCacheSource installs the function scraped for cache statistics.
// Passing nil stops exporting them.
func SetCacheSource(fn func() CacheStats) {
	if fn == nil {
		cache.src.Store(nil)
		return
	}
	cache.src.Store(&fn)
}

var (
	cacheOpsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "operations_total"),
		"Dependency cache operations by kind", []string{"op"}, nil)
	cacheEntriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Live dependency cache entries", nil, nil)
	cacheBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "bytes"),
		"Bytes held by the dependency cache", nil, nil)
)

type cacheCollector struct {
	src atomic.Pointer[func() CacheStats]
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheOpsDesc
	ch <- cacheEntriesDesc
	ch <- cacheBytesDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	fn := c.src.Load()
	if fn == nil {
		return
	}
	s := (*fn)()
	for op, v := range map[string]uint64{
		"hit": s.Hits, "miss": s.Misses, "set": s.Sets, "eviction": s.Evictions,
		"expiration": s.Expirations, "invalidation": s.Invalidations,
	} {
		ch <- prometheus.MustNewConstMetric(cacheOpsDesc, prometheus.CounterValue, float64(v), op)
	}
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(cacheBytesDesc, prometheus.GaugeValue, float64(s.Bytes))
}
