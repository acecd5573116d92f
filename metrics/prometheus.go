package metrics

import (
	"fmt"
	"io"
)

const namespace = "weave"

// WritePrometheus writes every metric in the Prometheus text exposition
// format. The encoding is hand-written; the fixed metric set does not
// justify a client library.
func (c *Collector) WritePrometheus(w io.Writer) error {
	if err := writeGauge(w, "uptime_seconds", "Process uptime in seconds", c.Uptime().Seconds()); err != nil {
		return err
	}

	if err := writeCounter(w, "operations_applied_total", "Operations applied to documents", c.operationsApplied.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "operations_rejected_total", "Operations rejected at validation", c.operationsRejected.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "broadcasts_total", "Events fanned out to document subscribers", c.broadcasts.Load()); err != nil {
		return err
	}
	if err := writeHistogram(w, "operation_apply_duration_seconds", "Operation apply latency", c.applyTimings); err != nil {
		return err
	}

	if err := writeCounter(w, "ai_requests_enqueued_total", "AI requests accepted into the queue", c.aiEnqueued.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "ai_requests_completed_total", "AI requests completed successfully", c.aiCompleted.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "ai_requests_failed_total", "AI requests that failed terminally", c.aiFailed.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "ai_cache_hits_total", "AI enqueues served from the response cache", c.aiCacheHits.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "ai_dedup_hits_total", "AI enqueues collapsed onto in-flight requests", c.aiDedupHits.Load()); err != nil {
		return err
	}
	if err := writeCounter(w, "ai_rate_limited_total", "AI enqueues rejected by the rate limiter", c.aiRateLimits.Load()); err != nil {
		return err
	}
	if err := writeHistogram(w, "ai_processing_duration_seconds", "AI request end-to-end processing latency", c.aiTimings); err != nil {
		return err
	}

	if err := writeGauge(w, "websocket_connections_active", "Open websocket connections", float64(c.activeConnections.Load())); err != nil {
		return err
	}
	if err := writeCounter(w, "websocket_connections_total", "Websocket connections ever opened", c.totalConnections.Load()); err != nil {
		return err
	}
	if err := writeGauge(w, "documents_active", "Documents resident in memory", float64(c.activeDocuments.Load())); err != nil {
		return err
	}
	return writeGauge(w, "sessions_active", "Live sessions", float64(c.activeSessions.Load()))
}

func writeCounter(w io.Writer, name, help string, value uint64) error {
	name = namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	return err
}

func writeGauge(w io.Writer, name, help string, value float64) error {
	name = namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
	return err
}

// writeHistogram emits cumulative buckets, count, and sum the way the
// exposition format expects.
func writeHistogram(w io.Writer, name, help string, h *Histogram) error {
	name = namespace + "_" + name
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name); err != nil {
		return err
	}
	h.mu.Lock()
	buckets := h.buckets
	count := h.count
	sum := h.sum
	h.mu.Unlock()

	var cumulative uint64
	for i, upper := range histogramBuckets {
		cumulative += buckets[i]
		if _, err := fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, fmt.Sprintf("%g", upper), cumulative); err != nil {
			return err
		}
	}
	cumulative += buckets[len(histogramBuckets)]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s_count %d\n", name, count); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_sum %g\n", name, sum.Seconds())
	return err
}
