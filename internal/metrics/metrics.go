// Registers:
//
//	#chartfeed_push_frames_total{type}
//	#chartfeed_push_reconnects_total
//	#chartfeed_push_state
//	#chartfeed_throttle_emits_total / _coalesced_total
//	#chartfeed_cache_lookups_total{tier,result} / _evictions_total
//	#chartfeed_store_ops_total{backend,op,result}
//	#chartfeed_loader_fetches_total{direction,result}
//	#chartfeed_snapshot_drops_total
//	#go_* and process_* system metrics
//
// Handler exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	pushFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chartfeed_push_frames_total",
		Help: "Inbound push frames by type",
	}, []string{"type"})
	pushReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chartfeed_push_reconnects_total",
		Help: "Scheduled reconnection attempts",
	})
	pushState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chartfeed_push_state",
		Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
	})
	throttleEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chartfeed_throttle_emits_total",
		Help: "Snapshots surfaced by the throttle",
	})
	throttleCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chartfeed_throttle_coalesced_total",
		Help: "Pending snapshots replaced by a newer one before being emitted",
	})
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chartfeed_cache_lookups_total",
		Help: "Bar cache lookups by tier and result",
	}, []string{"tier", "result"})
	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chartfeed_cache_evictions_total",
		Help: "Series evicted from the memory tier",
	})
	storeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chartfeed_store_ops_total",
		Help: "Persistent store operations",
	}, []string{"backend", "op", "result"})
	loaderFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chartfeed_loader_fetches_total",
		Help: "Sliding-window loads by direction and result",
	}, []string{"direction", "result"})
	snapshotDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chartfeed_snapshot_drops_total",
		Help: "Snapshots dropped because the consumer channel was full",
	})
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			pushFrames, pushReconnects, pushState,
			throttleEmits, throttleCoalesced,
			cacheLookups, cacheEvictions,
			storeOps, loaderFetches, snapshotDrops,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncPushFrame(frameType string) { pushFrames.WithLabelValues(frameType).Inc() }

func IncPushReconnect() { pushReconnects.Inc() }

func SetPushState(state int) { pushState.Set(float64(state)) }

func IncThrottleEmit() { throttleEmits.Inc() }

func IncThrottleCoalesced() { throttleCoalesced.Inc() }

// IncCacheLookup records a lookup; tier is "memory" or "persistent",
// result "hit" or "miss".
func IncCacheLookup(tier, result string) { cacheLookups.WithLabelValues(tier, result).Inc() }

func IncCacheEviction() { cacheEvictions.Inc() }

func IncStoreOp(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOps.WithLabelValues(backend, op, result).Inc()
}

func IncLoaderFetch(direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	loaderFetches.WithLabelValues(direction, result).Inc()
}

func IncSnapshotDrop() { snapshotDrops.Inc() }
