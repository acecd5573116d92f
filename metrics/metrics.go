// Package metrics collects in-process counters and latency histograms for
// the engine and exports them as JSON or Prometheus text exposition. The
// collector is a capability injected into components; nothing registers
// through package-level state.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates engine metrics. All methods are safe for
// concurrent use.
type Collector struct {
	operationsApplied  atomic.Uint64
	operationsRejected atomic.Uint64
	broadcasts         atomic.Uint64

	aiEnqueued   atomic.Uint64
	aiCompleted  atomic.Uint64
	aiFailed     atomic.Uint64
	aiCacheHits  atomic.Uint64
	aiDedupHits  atomic.Uint64
	aiRateLimits atomic.Uint64

	activeConnections atomic.Int64
	totalConnections  atomic.Uint64
	activeDocuments   atomic.Int64
	activeSessions    atomic.Int64

	applyTimings *Histogram
	aiTimings    *Histogram

	startTime time.Time
}

// NewCollector creates a collector with the clock started now.
func NewCollector() *Collector {
	return &Collector{
		applyTimings: NewHistogram(),
		aiTimings:    NewHistogram(),
		startTime:    time.Now(),
	}
}

// RecordOperation records one operation submission and its apply latency.
func (c *Collector) RecordOperation(duration time.Duration, success bool) {
	if success {
		c.operationsApplied.Add(1)
		c.applyTimings.Record(duration)
	} else {
		c.operationsRejected.Add(1)
	}
}

// RecordBroadcast records one fan-out of an event to a document's
// subscribers.
func (c *Collector) RecordBroadcast() {
	c.broadcasts.Add(1)
}

// RecordAIEnqueue records an accepted AI enqueue.
func (c *Collector) RecordAIEnqueue() { c.aiEnqueued.Add(1) }

// RecordAICompletion records one terminal AI request with its end-to-end
// processing time.
func (c *Collector) RecordAICompletion(duration time.Duration, success bool) {
	if success {
		c.aiCompleted.Add(1)
	} else {
		c.aiFailed.Add(1)
	}
	c.aiTimings.Record(duration)
}

// RecordAICacheHit records an enqueue served from the response cache.
func (c *Collector) RecordAICacheHit() { c.aiCacheHits.Add(1) }

// RecordAIDedupHit records an enqueue collapsed onto an in-flight request.
func (c *Collector) RecordAIDedupHit() { c.aiDedupHits.Add(1) }

// RecordAIRateLimited records an enqueue rejected by the rate limiter.
func (c *Collector) RecordAIRateLimited() { c.aiRateLimits.Add(1) }

// ConnectionOpened and ConnectionClosed track the websocket population.
func (c *Collector) ConnectionOpened() {
	c.totalConnections.Add(1)
	c.activeConnections.Add(1)
}

func (c *Collector) ConnectionClosed() {
	c.activeConnections.Add(-1)
}

// SetActiveDocuments and SetActiveSessions publish store sizes.
func (c *Collector) SetActiveDocuments(n int) { c.activeDocuments.Store(int64(n)) }

func (c *Collector) SetActiveSessions(n int) { c.activeSessions.Store(int64(n)) }

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Snapshot is a point-in-time copy of every metric, shaped for JSON.
type Snapshot struct {
	UptimeSeconds float64           `json:"uptime_seconds"`
	Operations    OperationMetrics  `json:"operations"`
	AI            AIMetrics         `json:"ai"`
	Connections   ConnectionMetrics `json:"connections"`
}

type OperationMetrics struct {
	Applied       uint64            `json:"applied"`
	Rejected      uint64            `json:"rejected"`
	Broadcasts    uint64            `json:"broadcasts"`
	ApplyDuration HistogramSnapshot `json:"apply_duration"`
}

type AIMetrics struct {
	Enqueued           uint64            `json:"enqueued"`
	Completed          uint64            `json:"completed"`
	Failed             uint64            `json:"failed"`
	CacheHits          uint64            `json:"cache_hits"`
	DedupHits          uint64            `json:"dedup_hits"`
	RateLimited        uint64            `json:"rate_limited"`
	ProcessingDuration HistogramSnapshot `json:"processing_duration"`
}

type ConnectionMetrics struct {
	Active          int64  `json:"active"`
	Total           uint64 `json:"total"`
	ActiveDocuments int64  `json:"active_documents"`
	ActiveSessions  int64  `json:"active_sessions"`
}

// Snapshot returns a copy of the current metric values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: c.Uptime().Seconds(),
		Operations: OperationMetrics{
			Applied:       c.operationsApplied.Load(),
			Rejected:      c.operationsRejected.Load(),
			Broadcasts:    c.broadcasts.Load(),
			ApplyDuration: c.applyTimings.Snapshot(),
		},
		AI: AIMetrics{
			Enqueued:           c.aiEnqueued.Load(),
			Completed:          c.aiCompleted.Load(),
			Failed:             c.aiFailed.Load(),
			CacheHits:          c.aiCacheHits.Load(),
			DedupHits:          c.aiDedupHits.Load(),
			RateLimited:        c.aiRateLimits.Load(),
			ProcessingDuration: c.aiTimings.Snapshot(),
		},
		Connections: ConnectionMetrics{
			Active:          c.activeConnections.Load(),
			Total:           c.totalConnections.Load(),
			ActiveDocuments: c.activeDocuments.Load(),
			ActiveSessions:  c.activeSessions.Load(),
		},
	}
}

// histogramBuckets are the upper bounds, in seconds, of the fixed latency
// buckets. The final +Inf bucket is implicit.
var histogramBuckets = []float64{0.001, 0.01, 0.1, 1.0}

// Histogram counts observations in fixed latency buckets and tracks the
// running sum for average computation.
type Histogram struct {
	mu      sync.Mutex
	buckets [5]uint64
	count   uint64
	sum     time.Duration
}

// NewHistogram creates an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{}
}

// Record adds one observation.
func (h *Histogram) Record(d time.Duration) {
	idx := len(histogramBuckets)
	for i, upper := range histogramBuckets {
		if d.Seconds() <= upper {
			idx = i
			break
		}
	}
	h.mu.Lock()
	h.buckets[idx]++
	h.count++
	h.sum += d
	h.mu.Unlock()
}

// HistogramSnapshot is an exportable copy of a histogram.
type HistogramSnapshot struct {
	Count     uint64   `json:"count"`
	AverageMs float64  `json:"average_ms"`
	Buckets   []uint64 `json:"buckets"`
}

// Snapshot copies the histogram state. Buckets are per-bucket counts in
// the order of histogramBuckets plus the overflow bucket.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := HistogramSnapshot{
		Count:   h.count,
		Buckets: append([]uint64(nil), h.buckets[:]...),
	}
	if h.count > 0 {
		out.AverageMs = float64(h.sum.Milliseconds()) / float64(h.count)
	}
	return out
}
