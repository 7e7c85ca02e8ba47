package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks poll and execution performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	PollLatency  *LatencyHistogram
	OrderLatency *LatencyHistogram

	// Counters
	pollsCompleted  uint64
	pollErrors      uint64
	tradeEvents     uint64
	ordersSucceeded uint64
	ordersFailed    uint64

	// Per action kind execution counts.
	executions map[string]uint64

	// Active wallet tasks, updated by the monitor owner.
	activeWallets func() int

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		PollLatency:  NewLatencyHistogram(1000),
		OrderLatency: NewLatencyHistogram(1000),
		executions:   make(map[string]uint64),
		startedAt:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordPoll records one wallet cycle.
func (m *SystemMetrics) RecordPoll(latency time.Duration, emitted int, err error) {
	m.PollLatency.RecordDuration(latency)
	atomic.AddUint64(&m.pollsCompleted, 1)
	atomic.AddUint64(&m.tradeEvents, uint64(emitted))
	if err != nil {
		atomic.AddUint64(&m.pollErrors, 1)
	}
}

// RecordExecution records one executed intent.
func (m *SystemMetrics) RecordExecution(kind string, success bool, latency time.Duration) {
	m.OrderLatency.RecordDuration(latency)
	if success {
		atomic.AddUint64(&m.ordersSucceeded, 1)
	} else {
		atomic.AddUint64(&m.ordersFailed, 1)
	}
	m.mu.Lock()
	m.executions[kind]++
	m.mu.Unlock()
}

// SetActiveWallets installs the gauge source for running wallet tasks.
func (m *SystemMetrics) SetActiveWallets(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeWallets = fn
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	PollLatency     LatencyStats      `json:"poll_latency"`
	OrderLatency    LatencyStats      `json:"order_latency"`
	PollsCompleted  uint64            `json:"polls_completed"`
	PollErrors      uint64            `json:"poll_errors"`
	TradeEvents     uint64            `json:"trade_events"`
	OrdersSucceeded uint64            `json:"orders_succeeded"`
	OrdersFailed    uint64            `json:"orders_failed"`
	Executions      map[string]uint64 `json:"executions"`
	ActiveWallets   int               `json:"active_wallets"`
	GoroutineCount  int               `json:"goroutine_count"`
	HeapAlloc       uint64            `json:"heap_alloc_bytes"`
	HeapSys         uint64            `json:"heap_sys_bytes"`
	Uptime          string            `json:"uptime"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	executions := make(map[string]uint64, len(m.executions))
	for k, v := range m.executions {
		executions[k] = v
	}
	active := 0
	if m.activeWallets != nil {
		active = m.activeWallets()
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		PollLatency:     m.PollLatency.Stats(),
		OrderLatency:    m.OrderLatency.Stats(),
		PollsCompleted:  atomic.LoadUint64(&m.pollsCompleted),
		PollErrors:      atomic.LoadUint64(&m.pollErrors),
		TradeEvents:     atomic.LoadUint64(&m.tradeEvents),
		OrdersSucceeded: atomic.LoadUint64(&m.ordersSucceeded),
		OrdersFailed:    atomic.LoadUint64(&m.ordersFailed),
		Executions:      executions,
		ActiveWallets:   active,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Uptime:          time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp:       time.Now(),
	}
}
