// Package metrics exposes history cache statistics to Prometheus.
//
// The collector reads a statistics snapshot on every scrape, so values
// are as fresh as the scrape and no counters are duplicated outside the
// components that own them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage"
)

const namespace = "histcache"

// StatsFunc returns a statistics snapshot.
type StatsFunc func() storage.Stats

// Collector is a prometheus.Collector over service statistics.
type Collector struct {
	stats StatsFunc

	up     *prometheus.Desc
	uptime *prometheus.Desc

	arenaBytes *prometheus.Desc
	arenaFill  *prometheus.Desc
	arenaOps   *prometheus.Desc

	cacheItems     *prometheus.Desc
	cacheValues    *prometheus.Desc
	ingested       *prometheus.Desc
	fullWaits      *prometheus.Desc
	fullWaitTime   *prometheus.Desc
	oversize       *prometheus.Desc
	fullSyncActive *prometheus.Desc

	trendsLive      *prometheus.Desc
	trendsPending   *prometheus.Desc
	trendsCompleted *prometheus.Desc
	trendsPressure  *prometheus.Desc

	syncCounters map[string]*prometheus.Desc
	passSeconds  *prometheus.Desc

	cachedItems    *prometheus.Desc
	lockedTriggers *prometheus.Desc

	exportFiles    *prometheus.Desc
	exportRows     *prometheus.Desc
	exportFailures *prometheus.Desc
	exportDeleted  *prometheus.Desc
	exportFreed    *prometheus.Desc

	fillLevel *prometheus.Desc
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// syncCounterHelp documents the synchronizer counters.
var syncCounterHelp = map[string]string{
	"passes_total":        "Synchronizer passes run.",
	"batches_total":       "Batches popped from the value cache.",
	"popped_total":        "Items popped from the value cache.",
	"values_total":        "Values processed by synchronizers.",
	"history_rows_total":  "History rows persisted.",
	"trend_rows_total":    "Trend rows persisted.",
	"skipped_total":       "Values skipped because their triggers were locked.",
	"undefined_total":     "Values of unknown or disabled items drained without persisting.",
	"not_supported_total": "Values that turned their item not supported.",
	"retries_total":       "Retried storage transactions.",
	"failures_total":      "Failed synchronizer passes.",
	"export_errors_total": "Rows the export sink failed to write.",
	"full_syncs_total":    "Full syncs run.",
}

// NewCollector creates a collector reading stats on every scrape.
func NewCollector(stats StatsFunc) *Collector {
	c := &Collector{
		stats: stats,

		up:     desc("", "up", "Whether the synchronizer workers are running."),
		uptime: desc("", "uptime_seconds", "Seconds since the service started."),

		arenaBytes: desc("arena", "bytes", "Arena bytes by state.", "arena", "state"),
		arenaFill:  desc("arena", "fill_ratio", "Used share of the usable arena space.", "arena"),
		arenaOps:   desc("arena", "operations_total", "Arena operations by kind.", "arena", "op"),

		cacheItems:     desc("cache", "items", "Items with pending values."),
		cacheValues:    desc("cache", "values", "Pending values in the history cache."),
		ingested:       desc("cache", "ingested_total", "Values committed to the history cache by type.", "type"),
		fullWaits:      desc("cache", "full_waits_total", "Times a producer waited for free history cache space."),
		fullWaitTime:   desc("cache", "full_wait_seconds_total", "Time producers spent waiting for free history cache space."),
		oversize:       desc("cache", "oversize_dropped_total", "Values dropped because they exceed the history cache size."),
		fullSyncActive: desc("cache", "full_sync", "Whether a full sync is running."),

		trendsLive:      desc("trends", "live", "Trend entries of the current hours."),
		trendsPending:   desc("trends", "pending", "Finished trends waiting for persistence."),
		trendsCompleted: desc("trends", "completed_total", "Trends finished."),
		trendsPressure:  desc("trends", "pressure_flushes_total", "Early flushes of every trend because the trend cache was full."),

		syncCounters: make(map[string]*prometheus.Desc, len(syncCounterHelp)),
		passSeconds:  desc("sync", "pass_seconds", "Synchronizer pass duration percentiles.", "percentile"),

		cachedItems:    desc("sync", "cached_items", "Items in the metadata cache."),
		lockedTriggers: desc("sync", "locked_triggers", "Trigger ids held by synchronizers."),

		exportFiles:    desc("export", "files_total", "Export files created."),
		exportRows:     desc("export", "rows_total", "Rows exported."),
		exportFailures: desc("export", "failures_total", "Failed export writes."),
		exportDeleted:  desc("export", "files_deleted_total", "Expired export files removed."),
		exportFreed:    desc("export", "bytes_freed_total", "Bytes freed by removing expired export files."),

		fillLevel: desc("backpressure", "level", "Fill level per cache: 0 normal, 1 warning, 2 critical, 3 emergency.", "cache"),
	}
	for name, help := range syncCounterHelp {
		c.syncCounters[name] = desc("sync", name, help)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.uptime, c.arenaBytes, c.arenaFill, c.arenaOps,
		c.cacheItems, c.cacheValues, c.ingested, c.fullWaits, c.fullWaitTime, c.oversize, c.fullSyncActive,
		c.trendsLive, c.trendsPending, c.trendsCompleted, c.trendsPressure,
		c.passSeconds, c.cachedItems, c.lockedTriggers,
		c.exportFiles, c.exportRows, c.exportFailures, c.exportDeleted, c.exportFreed, c.fillLevel,
	} {
		ch <- d
	}
	for _, d := range c.syncCounters {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.up, boolValue(s.Running))
	gauge(c.uptime, s.Uptime.Seconds())

	c.collectArena(ch, "history", s.Values.Arena)
	c.collectArena(ch, "trend", s.Trends.Arena)
	c.collectArena(ch, "id", s.IDs)

	gauge(c.cacheItems, float64(s.Values.Items))
	gauge(c.cacheValues, float64(s.Values.Values))
	for t, n := range s.Values.Ingested {
		counter(c.ingested, float64(n), t.String())
	}
	counter(c.fullWaits, float64(s.Values.Waits))
	counter(c.fullWaitTime, s.Values.WaitTime.Seconds())
	counter(c.oversize, float64(s.Values.Oversize))
	gauge(c.fullSyncActive, boolValue(s.Values.FullSync))

	gauge(c.trendsLive, float64(s.Trends.Live))
	gauge(c.trendsPending, float64(s.Trends.Pending))
	counter(c.trendsCompleted, float64(s.Trends.Completed))
	counter(c.trendsPressure, float64(s.Trends.Pressure))

	syncCounts := map[string]uint64{
		"passes_total":        s.Sync.Passes,
		"batches_total":       s.Sync.Batches,
		"popped_total":        s.Sync.Popped,
		"values_total":        s.Sync.Values,
		"history_rows_total":  s.Sync.History,
		"trend_rows_total":    s.Sync.Trends,
		"skipped_total":       s.Sync.Skipped,
		"undefined_total":     s.Sync.Undefined,
		"not_supported_total": s.Sync.NotSupported,
		"retries_total":       s.Sync.Retries,
		"failures_total":      s.Sync.Failures,
		"export_errors_total": s.Sync.ExportErrors,
		"full_syncs_total":    s.Sync.FullSyncs,
	}
	for name, v := range syncCounts {
		counter(c.syncCounters[name], float64(v))
	}
	gauge(c.passSeconds, s.Sync.PassP50.Seconds(), "p50")
	gauge(c.passSeconds, s.Sync.PassP90.Seconds(), "p90")
	gauge(c.passSeconds, s.Sync.PassP99.Seconds(), "p99")
	gauge(c.passSeconds, s.Sync.PassMax.Seconds(), "max")

	gauge(c.cachedItems, float64(s.CachedItems))
	gauge(c.lockedTriggers, float64(s.LockedTriggers))

	counter(c.exportFiles, float64(s.Export.Files))
	counter(c.exportRows, float64(s.Export.Rows))
	counter(c.exportFailures, float64(s.Export.Failures))
	counter(c.exportDeleted, float64(s.Retention.FilesDeleted))
	counter(c.exportFreed, float64(s.Retention.BytesFreed))

	for _, src := range s.Backpressure {
		gauge(c.fillLevel, float64(src.Level), src.Name)
	}
}

func (c *Collector) collectArena(ch chan<- prometheus.Metric, name string, a shmem.Stats) {
	for state, v := range map[string]uint64{
		"total":      a.TotalSize,
		"used":       a.UsedSize,
		"free":       a.FreeSize,
		"overhead":   a.Overhead,
		"high_water": a.HighWater,
	} {
		ch <- prometheus.MustNewConstMetric(c.arenaBytes, prometheus.GaugeValue, float64(v), name, state)
	}
	ch <- prometheus.MustNewConstMetric(c.arenaFill, prometheus.GaugeValue, a.FillRatio(), name)
	for op, v := range map[string]uint64{
		"alloc":   a.Allocs,
		"free":    a.Frees,
		"realloc": a.Reallocs,
		"failed":  a.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.arenaOps, prometheus.CounterValue, float64(v), name, op)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding the service collector and the
// Go runtime and process collectors.
func NewRegistry(stats StatsFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(stats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
