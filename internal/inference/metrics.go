package inference

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts inference activity. All counters are atomic; Snapshot is a
// consistent-enough view for operational endpoints, not an accounting ledger.
type Metrics struct {
	totalInferences atomic.Int64
	totalLatencyMs  atomic.Int64
	errorCount      atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	reloads         atomic.Int64

	mu            sync.RWMutex
	lastInference time.Time
}

// NewMetrics creates zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordInference records one run and its outcome.
func (m *Metrics) RecordInference(duration time.Duration, err error) {
	m.totalInferences.Add(1)
	m.totalLatencyMs.Add(duration.Milliseconds())
	if err != nil {
		m.errorCount.Add(1)
	}
	m.mu.Lock()
	m.lastInference = time.Now()
	m.mu.Unlock()
}

// RecordCacheHit records a serialization-cache lookup outcome.
func (m *Metrics) RecordCacheHit(hit bool) {
	if hit {
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
}

// RecordReload records a forced unload+load cycle.
func (m *Metrics) RecordReload() {
	m.reloads.Add(1)
}

// MetricsSnapshot is the JSON-friendly view served by the stats endpoint.
type MetricsSnapshot struct {
	TotalInferences  int64     `json:"total_inferences"`
	AverageLatencyMs int64     `json:"average_latency_ms"`
	ErrorCount       int64     `json:"error_count"`
	CacheHits        int64     `json:"cache_hits"`
	CacheMisses      int64     `json:"cache_misses"`
	Reloads          int64     `json:"reloads"`
	LastInference    time.Time `json:"last_inference"`
}

// Snapshot returns current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	total := m.totalInferences.Load()
	avg := int64(0)
	if total > 0 {
		avg = m.totalLatencyMs.Load() / total
	}
	m.mu.RLock()
	last := m.lastInference
	m.mu.RUnlock()
	return MetricsSnapshot{
		TotalInferences:  total,
		AverageLatencyMs: avg,
		ErrorCount:       m.errorCount.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		Reloads:          m.reloads.Load(),
		LastInference:    last,
	}
}
