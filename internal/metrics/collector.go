// Package metrics exposes pool, allocator, cache and heartbeat counters as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"resourcecache/internal/heartbeat"
	"resourcecache/internal/resource"
)

const namespace = "resourcecache"

var (
	poolFreeBlocks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "free_blocks"),
		"Blocks waiting in the pool free set.", []string{"pool"}, nil)
	poolRentedBlocks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "rented_blocks"),
		"Blocks currently rented from the pool.", []string{"pool"}, nil)
	poolRents = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "rents_total"),
		"Blocks rented, by source.", []string{"pool", "source"}, nil)
	poolMisuses = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "misuses_total"),
		"Rejected returns of stale, foreign or null blocks.", []string{"pool"}, nil)

	allocLiveBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "live_bytes"),
		"Bytes in blocks that have not been freed.", nil, nil)
	allocLiveBlocks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "live_blocks"),
		"Blocks that have not been freed.", nil, nil)
	allocAllocations = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "allocations_total"),
		"Allocations, by route.", []string{"route"}, nil)
	allocFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "failures_total"),
		"Allocations the backend could not satisfy.", nil, nil)

	cacheBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "bytes"),
		"Sum of recorded entry sizes.", nil, nil)
	cacheMaxBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "max_bytes"),
		"Cache byte budget.", nil, nil)
	cacheEntries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Cached resources.", nil, nil)
	cacheLookups = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "lookups_total"),
		"Cache lookups, by result.", []string{"result"}, nil)
	cacheEvictions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "evictions_total"),
		"Entries removed from the cache.", nil, nil)

	resourceDiskReads = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "resource", "disk_reads_total"),
		"Files read from disk.", nil, nil)
	resourceFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "resource", "failures_total"),
		"Failed resource loads.", nil, nil)

	heartbeatTicks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heartbeat", "ticks_total"),
		"Heartbeat action invocations.", []string{"instance"}, nil)
	heartbeatFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heartbeat", "failures_total"),
		"Heartbeat ticks that returned an error or panicked.", []string{"instance"}, nil)
	heartbeatSkipped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heartbeat", "skipped_ticks_total"),
		"Nominal ticks dropped because an action overran them.", []string{"instance"}, nil)
	heartbeatRunning = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "heartbeat", "running"),
		"1 while the instance is running.", []string{"instance"}, nil)
)

// Collector snapshots a resource manager and a heartbeat scheduler on every
// scrape. Either may be nil.
type Collector struct {
	manager   *resource.Manager
	scheduler *heartbeat.Scheduler
}

// NewCollector creates a collector
func NewCollector(manager *resource.Manager, scheduler *heartbeat.Scheduler) *Collector {
	return &Collector{manager: manager, scheduler: scheduler}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		poolFreeBlocks, poolRentedBlocks, poolRents, poolMisuses,
		allocLiveBytes, allocLiveBlocks, allocAllocations, allocFailures,
		cacheBytes, cacheMaxBytes, cacheEntries, cacheLookups, cacheEvictions,
		resourceDiskReads, resourceFailures,
		heartbeatTicks, heartbeatFailures, heartbeatSkipped, heartbeatRunning,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.manager != nil {
		c.collectManager(ch)
	}
	if c.scheduler != nil {
		c.collectScheduler(ch)
	}
}

func (c *Collector) collectManager(ch chan<- prometheus.Metric) {
	stats := c.manager.Stats()

	if pool := c.manager.Allocator().Pool(); pool != nil {
		ps := pool.Stats()
		ch <- prometheus.MustNewConstMetric(poolFreeBlocks, prometheus.GaugeValue, float64(ps.FreeBlocks), ps.Name)
		ch <- prometheus.MustNewConstMetric(poolRentedBlocks, prometheus.GaugeValue, float64(ps.RentedBlocks), ps.Name)
		ch <- prometheus.MustNewConstMetric(poolRents, prometheus.CounterValue, float64(ps.Reused), ps.Name, "free_set")
		ch <- prometheus.MustNewConstMetric(poolRents, prometheus.CounterValue, float64(ps.Rents-ps.Reused), ps.Name, "backend")
		ch <- prometheus.MustNewConstMetric(poolMisuses, prometheus.CounterValue, float64(ps.Misuses), ps.Name)
	}

	as := stats.Allocator
	ch <- prometheus.MustNewConstMetric(allocLiveBytes, prometheus.GaugeValue, float64(as.LiveBytes))
	ch <- prometheus.MustNewConstMetric(allocLiveBlocks, prometheus.GaugeValue, float64(as.LiveBlocks))
	ch <- prometheus.MustNewConstMetric(allocAllocations, prometheus.CounterValue, float64(as.PooledAllocs), "pooled")
	ch <- prometheus.MustNewConstMetric(allocAllocations, prometheus.CounterValue, float64(as.RawAllocs), "raw")
	ch <- prometheus.MustNewConstMetric(allocFailures, prometheus.CounterValue, float64(as.Failures))

	cs := stats.Cache
	ch <- prometheus.MustNewConstMetric(cacheBytes, prometheus.GaugeValue, float64(cs.CurrentSize))
	ch <- prometheus.MustNewConstMetric(cacheMaxBytes, prometheus.GaugeValue, float64(cs.MaxSize))
	ch <- prometheus.MustNewConstMetric(cacheEntries, prometheus.GaugeValue, float64(cs.Entries))
	ch <- prometheus.MustNewConstMetric(cacheLookups, prometheus.CounterValue, float64(cs.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(cacheLookups, prometheus.CounterValue, float64(cs.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(cacheEvictions, prometheus.CounterValue, float64(cs.Evictions))

	ch <- prometheus.MustNewConstMetric(resourceDiskReads, prometheus.CounterValue, float64(stats.DiskReads))
	ch <- prometheus.MustNewConstMetric(resourceFailures, prometheus.CounterValue, float64(stats.Failures))
}

func (c *Collector) collectScheduler(ch chan<- prometheus.Metric) {
	for _, st := range c.scheduler.Statuses() {
		running := 0.0
		if st.State == heartbeat.StateRunning {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(heartbeatTicks, prometheus.CounterValue, float64(st.Ticks), st.Name)
		ch <- prometheus.MustNewConstMetric(heartbeatFailures, prometheus.CounterValue, float64(st.Failures), st.Name)
		ch <- prometheus.MustNewConstMetric(heartbeatSkipped, prometheus.CounterValue, float64(st.Skipped), st.Name)
		ch <- prometheus.MustNewConstMetric(heartbeatRunning, prometheus.GaugeValue, running, st.Name)
	}
}
