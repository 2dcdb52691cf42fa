// Package metrics tracks rolling-average request latency and cache
// hit/miss counters for the broker's LSP operations.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// RequestMetrics is a lock-free, atomics-backed counter set, grounded
// on original_source's LspMetrics.
type RequestMetrics struct {
	totalRequests     uint64
	avgResponseTimeMs uint64
	successfulRequests uint64
	failedRequests    uint64
	cacheHits         uint64
	cacheMisses       uint64
}

// New builds a zeroed RequestMetrics.
func New() *RequestMetrics { return &RequestMetrics{} }

// RecordRequest updates the rolling average response time and the
// success/failure counters for one completed request.
func (m *RequestMetrics) RecordRequest(d time.Duration, success bool) {
	durationMs := uint64(d.Milliseconds())

	total := atomic.AddUint64(&m.totalRequests, 1)
	if success {
		atomic.AddUint64(&m.successfulRequests, 1)
	} else {
		atomic.AddUint64(&m.failedRequests, 1)
	}

	for {
		current := atomic.LoadUint64(&m.avgResponseTimeMs)
		var next uint64
		if total == 1 {
			next = durationMs
		} else {
			next = ((current * (total - 1)) + durationMs) / total
		}
		if atomic.CompareAndSwapUint64(&m.avgResponseTimeMs, current, next) {
			return
		}
	}
}

// RecordCache records a cache hit or miss.
func (m *RequestMetrics) RecordCache(hit bool) {
	if hit {
		atomic.AddUint64(&m.cacheHits, 1)
	} else {
		atomic.AddUint64(&m.cacheMisses, 1)
	}
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	TotalRequests     uint64
	SuccessfulRequests uint64
	FailedRequests    uint64
	AvgResponseTimeMs uint64
	CacheHits         uint64
	CacheMisses       uint64
}

// SnapshotNow reads every counter.
func (m *RequestMetrics) SnapshotNow() Snapshot {
	return Snapshot{
		TotalRequests:      atomic.LoadUint64(&m.totalRequests),
		SuccessfulRequests: atomic.LoadUint64(&m.successfulRequests),
		FailedRequests:     atomic.LoadUint64(&m.failedRequests),
		AvgResponseTimeMs:  atomic.LoadUint64(&m.avgResponseTimeMs),
		CacheHits:          atomic.LoadUint64(&m.cacheHits),
		CacheMisses:        atomic.LoadUint64(&m.cacheMisses),
	}
}

// Summary renders a short human-readable line.
func (m *RequestMetrics) Summary() string {
	s := m.SnapshotNow()
	var successRate, cacheRate uint64
	if s.TotalRequests > 0 {
		successRate = (s.SuccessfulRequests * 100) / s.TotalRequests
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		cacheRate = (s.CacheHits * 100) / total
	}
	return fmt.Sprintf("lsp performance: %d requests, %d%% success, %dms avg, %d%% cache hit",
		s.TotalRequests, successRate, s.AvgResponseTimeMs, cacheRate)
}
