// Package metrics collects and exposes quasar's runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-node counters + time series)
//     for the lightweight JSON endpoint that the daemon serves at
//     /debug/metrics.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets an operator inspect a single gateway process without
// a Prometheus sidecar while still supporting fleet-wide monitoring.
//
// # Concurrency — hot path
//
// RecordOperation is the per-command entry point and must be as fast as
// possible. No other package of the gateway calls it. It uses atomic increments for global
// counters and dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously. This
// avoids holding any lock on the hot path.
//
// The per-node NodeMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores per-node entries is read-heavy
// and write-once-per-new-node, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalOps == SuccessOps + FailedOps (maintained by RecordOperation).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores operation counts for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Operations   int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

// Metrics collects and exposes quasar runtime metrics.
type Metrics struct {
	TotalOps   atomic.Int64
	SuccessOps atomic.Int64
	FailedOps  atomic.Int64
	Retries    atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	KeysMoved        atomic.Int64
	ReplicationDrops atomic.Int64

	nodeMetrics sync.Map // nodeID -> *NodeMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// NodeMetrics tracks metrics for a single backend node.
type NodeMetrics struct {
	Gets      atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Errors    atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordOperation records one dispatcher operation (get/set/delete) against
// a specific node.
func (m *Metrics) RecordOperation(nodeID, verb string, durationMs int64, success bool, retries int) {
	m.TotalOps.Add(1)
	if success {
		m.SuccessOps.Add(1)
	} else {
		m.FailedOps.Add(1)
	}
	if retries > 0 {
		m.Retries.Add(int64(retries))
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	nm := m.getNodeMetrics(nodeID)
	switch verb {
	case "get":
		nm.Gets.Add(1)
	case "set":
		nm.Sets.Add(1)
	case "delete":
		nm.Deletes.Add(1)
	}
	if !success {
		nm.Errors.Add(1)
	}
	nm.TotalMs.Add(durationMs)
	updateMin(&nm.MinMs, durationMs)
	updateMax(&nm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)
	RecordPrometheusOperation(nodeID, verb, durationMs, success)
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Operations++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordKeysMoved records keys migrated by a redistribution pass.
func (m *Metrics) RecordKeysMoved(n int) {
	m.KeysMoved.Add(int64(n))
	RecordPrometheusKeysMoved(n)
}

// RecordReplicationDrop records a replication job dropped by a full queue.
func (m *Metrics) RecordReplicationDrop() {
	m.ReplicationDrops.Add(1)
	RecordPrometheusReplicationDrop()
}

func (m *Metrics) getNodeMetrics(nodeID string) *NodeMetrics {
	if v, ok := m.nodeMetrics.Load(nodeID); ok {
		return v.(*NodeMetrics)
	}
	nm := &NodeMetrics{}
	nm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.nodeMetrics.LoadOrStore(nodeID, nm)
	return actual.(*NodeMetrics)
}

// NodeStats returns per-node metrics for the JSON dashboard.
func (m *Metrics) NodeStats() map[string]interface{} {
	result := make(map[string]interface{})
	m.nodeMetrics.Range(func(key, value interface{}) bool {
		nodeID := key.(string)
		nm := value.(*NodeMetrics)

		total := nm.Gets.Load() + nm.Sets.Load() + nm.Deletes.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(nm.TotalMs.Load()) / float64(total)
		}
		minMs := nm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[nodeID] = map[string]interface{}{
			"gets":    nm.Gets.Load(),
			"sets":    nm.Sets.Load(),
			"deletes": nm.Deletes.Load(),
			"errors":  nm.Errors.Load(),
			"avg_ms":  avgMs,
			"min_ms":  minMs,
			"max_ms":  nm.MaxMs.Load(),
		}
		return true
	})
	return result
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalOps.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"operations": map[string]interface{}{
			"total":   total,
			"success": m.SuccessOps.Load(),
			"failed":  m.FailedOps.Load(),
			"retries": m.Retries.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"redistribution": map[string]interface{}{
			"keys_moved": m.KeysMoved.Load(),
		},
		"replication": map[string]interface{}{
			"dropped": m.ReplicationDrops.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["nodes"] = m.NodeStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"operations":   bucket.Operations,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
