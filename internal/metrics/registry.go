// Package metrics exposes the bridge's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus metric the bridge exports.
type Registry struct {
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	cacheEvictions       prometheus.Counter
	cachePressureIgnored prometheus.Counter
	cacheEntries         prometheus.Gauge
	cacheMemoryBytes     prometheus.Gauge

	readsFresh   prometheus.Counter
	readsStale   prometheus.Counter
	readsExpired prometheus.Counter
	readDuration prometheus.Histogram

	updaterQueued    prometheus.Counter
	updaterDuplicate prometheus.Counter
	updaterDropped   prometheus.Counter
	updaterSucceeded prometheus.Counter
	updaterFailed    prometheus.Counter

	errorCacheHit    prometheus.Counter
	errorCacheMiss   prometheus.Counter
	errorRetries     prometheus.Counter
	errorRateExceeded prometheus.Gauge

	reconnectAttempts  prometheus.Counter
	reconnectSuccesses prometheus.Counter
	reconnectFailures  prometheus.Counter
	subscriptionRecoveries prometheus.Counter
	connectionUp       prometheus.Gauge
}

// NewRegistry builds and registers every metric with the default registerer.
func NewRegistry() *Registry {
	return &Registry{
		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_cache_hits_total",
			Help: "Total number of cache lookups that found a non-expired entry",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_cache_misses_total",
			Help: "Total number of cache lookups that found no usable entry",
		}),
		cacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_cache_evictions_total",
			Help: "Total number of cache entries evicted under memory or entry-count pressure",
		}),
		cachePressureIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_cache_pressure_ignored_total",
			Help: "Total number of eviction passes skipped because every entry was subscribed",
		}),
		cacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_bridge_cache_entries",
			Help: "Current number of entries held in the cache",
		}),
		cacheMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_bridge_cache_memory_bytes",
			Help: "Estimated memory footprint of the cache in bytes",
		}),
		readsFresh: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reads_fresh_total",
			Help: "Total number of requested nodes served from a fresh cache entry",
		}),
		readsStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reads_stale_total",
			Help: "Total number of requested nodes served from a stale cache entry with background refresh scheduled",
		}),
		readsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reads_expired_total",
			Help: "Total number of requested nodes that required a synchronous upstream read",
		}),
		readDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_bridge_read_duration_seconds",
			Help:    "Duration of synchronous OPC UA read requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		updaterQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_updater_queued_total",
			Help: "Total number of background refresh jobs accepted onto the queue",
		}),
		updaterDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_updater_duplicate_total",
			Help: "Total number of background refresh requests skipped because the node was already pending",
		}),
		updaterDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_updater_dropped_total",
			Help: "Total number of background refresh jobs dropped because the queue was full",
		}),
		updaterSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_updater_succeeded_total",
			Help: "Total number of background refresh jobs that completed successfully",
		}),
		updaterFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_updater_failed_total",
			Help: "Total number of background refresh jobs that failed",
		}),
		errorCacheHit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_error_cache_fallback_hit_total",
			Help: "Total number of connection errors served from cached data",
		}),
		errorCacheMiss: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_error_cache_fallback_miss_total",
			Help: "Total number of connection errors with no cached data to fall back to",
		}),
		errorRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_error_retry_attempts_total",
			Help: "Total number of retry attempts recorded by the error handler",
		}),
		errorRateExceeded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_bridge_error_rate_exceeded",
			Help: "1 if the error rate threshold is currently exceeded, 0 otherwise",
		}),
		reconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		}),
		reconnectSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reconnect_successes_total",
			Help: "Total number of successful reconnections",
		}),
		reconnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_reconnect_failures_total",
			Help: "Total number of failed reconnection attempts",
		}),
		subscriptionRecoveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_bridge_subscription_recoveries_total",
			Help: "Total number of times monitored items were recreated after a reconnect",
		}),
		connectionUp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_bridge_connection_up",
			Help: "1 if the OPC UA connection is currently established, 0 otherwise",
		}),
	}
}

func (r *Registry) IncCacheHit()             { r.cacheHits.Inc() }
func (r *Registry) IncCacheMiss()            { r.cacheMisses.Inc() }
func (r *Registry) IncCacheEviction()        { r.cacheEvictions.Inc() }
func (r *Registry) IncCachePressureIgnored() { r.cachePressureIgnored.Inc() }
func (r *Registry) SetCacheEntries(n float64)     { r.cacheEntries.Set(n) }
func (r *Registry) SetCacheMemoryBytes(n float64) { r.cacheMemoryBytes.Set(n) }

func (r *Registry) IncReadsFresh()               { r.readsFresh.Inc() }
func (r *Registry) IncReadsStale()               { r.readsStale.Inc() }
func (r *Registry) IncReadsExpired()             { r.readsExpired.Inc() }
func (r *Registry) ObserveReadDuration(s float64) { r.readDuration.Observe(s) }

func (r *Registry) IncUpdaterQueued()    { r.updaterQueued.Inc() }
func (r *Registry) IncUpdaterDuplicate() { r.updaterDuplicate.Inc() }
func (r *Registry) IncUpdaterDropped()   { r.updaterDropped.Inc() }
func (r *Registry) IncUpdaterSucceeded() { r.updaterSucceeded.Inc() }
func (r *Registry) IncUpdaterFailed()    { r.updaterFailed.Inc() }

func (r *Registry) IncErrorCacheHit()       { r.errorCacheHit.Inc() }
func (r *Registry) IncErrorCacheMiss()      { r.errorCacheMiss.Inc() }
func (r *Registry) IncErrorRetry()          { r.errorRetries.Inc() }
func (r *Registry) SetErrorRateExceeded(exceeded bool) {
	if exceeded {
		r.errorRateExceeded.Set(1)
		return
	}
	r.errorRateExceeded.Set(0)
}

func (r *Registry) IncReconnectAttempt()       { r.reconnectAttempts.Inc() }
func (r *Registry) IncReconnectSuccess()       { r.reconnectSuccesses.Inc() }
func (r *Registry) IncReconnectFailure()       { r.reconnectFailures.Inc() }
func (r *Registry) IncSubscriptionRecovery()   { r.subscriptionRecoveries.Inc() }
func (r *Registry) SetConnectionUp(up bool) {
	if up {
		r.connectionUp.Set(1)
		return
	}
	r.connectionUp.Set(0)
}
