package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for quasar metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	opsTotal      *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	keysMoved     prometheus.Counter
	replicationDrops prometheus.Counter

	opDuration       *prometheus.HistogramVec
	peerRPCLatency   *prometheus.HistogramVec

	uptime           prometheus.GaugeFunc
	ringSize         prometheus.Gauge
	activeNodes      prometheus.Gauge
	lockedNodes      prometheus.Gauge

	poolInUse        *prometheus.GaugeVec
	poolIdle         *prometheus.GaugeVec
	poolWaiters      *prometheus.GaugeVec
	poolExhaustedTotal *prometheus.CounterVec

	replicationQueueDepth *prometheus.GaugeVec

	ringRebuildsTotal prometheus.Counter
}

var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of dispatched cache operations",
			},
			[]string{"node", "verb", "status"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of failover retries against successor nodes",
			},
			[]string{"verb"},
		),

		keysMoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redistribution_keys_moved_total",
				Help:      "Total keys migrated by redistribution passes",
			},
		),

		replicationDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replication_drops_total",
				Help:      "Total replication jobs dropped because the queue was full",
			},
		),

		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Duration of dispatched cache operations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"node", "verb"},
		),

		peerRPCLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "peer_rpc_latency_milliseconds",
				Help:      "Latency of friend-to-friend membership RPCs in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"verb"},
		),

		ringSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ring_size",
				Help:      "Current number of virtual points on the consistent-hash ring",
			},
		),

		activeNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_nodes",
				Help:      "Current number of ACTIVE backend nodes",
			},
		),

		lockedNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "locked_nodes",
				Help:      "Current number of LOCKED backend nodes",
			},
		),

		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_in_use_connections",
				Help:      "Connections currently checked out of the pool, by node",
			},
			[]string{"node"},
		),

		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_idle_connections",
				Help:      "Idle connections currently held by the pool, by node",
			},
			[]string{"node"},
		),

		poolWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_waiters",
				Help:      "Goroutines currently blocked waiting for a connection, by node",
			},
			[]string{"node"},
		),

		poolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Total times an Acquire call failed because the pool was exhausted",
			},
			[]string{"node"},
		),

		replicationQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replication_queue_depth",
				Help:      "Current depth of the async replication job queue",
			},
			[]string{"worker_pool"},
		),

		ringRebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_rebuilds_total",
				Help:      "Total times the consistent-hash ring was rebuilt after a membership change",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the quasar process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.opsTotal,
		pm.retriesTotal,
		pm.keysMoved,
		pm.replicationDrops,
		pm.opDuration,
		pm.peerRPCLatency,
		pm.uptime,
		pm.ringSize,
		pm.activeNodes,
		pm.lockedNodes,
		pm.poolInUse,
		pm.poolIdle,
		pm.poolWaiters,
		pm.poolExhaustedTotal,
		pm.replicationQueueDepth,
		pm.ringRebuildsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusOperation records a dispatched cache operation.
func RecordPrometheusOperation(nodeID, verb string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.opsTotal.WithLabelValues(nodeID, verb, status).Inc()
	promMetrics.opDuration.WithLabelValues(nodeID, verb).Observe(float64(durationMs))
}

// RecordPrometheusRetry records a failover retry for verb.
func RecordPrometheusRetry(verb string) {
	if promMetrics == nil {
		return
	}
	promMetrics.retriesTotal.WithLabelValues(verb).Inc()
}

// RecordPrometheusKeysMoved records keys migrated by a redistribution pass.
func RecordPrometheusKeysMoved(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.keysMoved.Add(float64(n))
}

// RecordPrometheusReplicationDrop records a replication job dropped by a
// full queue.
func RecordPrometheusReplicationDrop() {
	if promMetrics == nil {
		return
	}
	promMetrics.replicationDrops.Inc()
}

// RecordPeerRPCLatency records the latency of a friend-to-friend RPC.
func RecordPeerRPCLatency(verb string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.peerRPCLatency.WithLabelValues(verb).Observe(durationMs)
}

// SetRingSize sets the current ring size gauge.
func SetRingSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.ringSize.Set(float64(n))
}

// SetFleetState sets the active/locked node gauges.
func SetFleetState(active, locked int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeNodes.Set(float64(active))
	promMetrics.lockedNodes.Set(float64(locked))
}

// SetPoolStats sets the per-node pool gauges.
func SetPoolStats(nodeID string, inUse, idle, waiters int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolInUse.WithLabelValues(nodeID).Set(float64(inUse))
	promMetrics.poolIdle.WithLabelValues(nodeID).Set(float64(idle))
	promMetrics.poolWaiters.WithLabelValues(nodeID).Set(float64(waiters))
}

// RecordPoolExhausted records an Acquire call that failed because the pool
// was exhausted.
func RecordPoolExhausted(nodeID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolExhaustedTotal.WithLabelValues(nodeID).Inc()
}

// SetReplicationQueueDepth sets the replication queue depth gauge.
func SetReplicationQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.replicationQueueDepth.WithLabelValues("default").Set(float64(depth))
}

// RecordRingRebuild records a ring rebuild after a membership change.
func RecordRingRebuild() {
	if promMetrics == nil {
		return
	}
	promMetrics.ringRebuildsTotal.Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
