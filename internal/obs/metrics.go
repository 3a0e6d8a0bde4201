// Package obs collects lightweight in-process counters for the ingestion
// pipeline.
package obs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/ratelimit"
)

// Metrics tracks limiter waits and symbol outcomes. A nil *Metrics is a
// valid no-op sink.
type Metrics struct {
	mu    sync.RWMutex
	waits map[waitKey]*LatencyStats

	symbolsProcessed atomic.Uint64
	symbolsFailed    atomic.Uint64
	barsWritten      atomic.Uint64
	barsRejected     atomic.Uint64
	fetchRetries     atomic.Uint64
}

type waitKey struct {
	provider string
	mode     ratelimit.Mode
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// WaitSnapshot is the wait histogram of one provider and call mode.
type WaitSnapshot struct {
	Provider string          `json:"provider"`
	Mode     ratelimit.Mode  `json:"mode"`
	Latency  LatencySnapshot `json:"latency"`
}

// Snapshot captures the current metric values.
type Snapshot struct {
	Waits            []WaitSnapshot `json:"waits"`
	SymbolsProcessed uint64         `json:"symbolsProcessed"`
	SymbolsFailed    uint64         `json:"symbolsFailed"`
	BarsWritten      uint64         `json:"barsWritten"`
	BarsRejected     uint64         `json:"barsRejected"`
	FetchRetries     uint64         `json:"fetchRetries"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{waits: make(map[waitKey]*LatencyStats)}
}

// ObserveWait implements ratelimit.WaitObserver.
func (m *Metrics) ObserveWait(provider string, mode ratelimit.Mode, d time.Duration) {
	if m == nil {
		return
	}
	key := waitKey{provider: provider, mode: mode}

	m.mu.RLock()
	stats, ok := m.waits[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if stats, ok = m.waits[key]; !ok {
			stats = &LatencyStats{}
			m.waits[key] = stats
		}
		m.mu.Unlock()
	}
	stats.Observe(d)
}

// SymbolProcessed records a symbol that finished its pipeline.
func (m *Metrics) SymbolProcessed(bars, rejected int) {
	if m == nil {
		return
	}
	m.symbolsProcessed.Add(1)
	m.barsWritten.Add(uint64(bars))
	m.barsRejected.Add(uint64(rejected))
}

// SymbolFailed records a symbol whose pipeline returned an error.
func (m *Metrics) SymbolFailed() {
	if m == nil {
		return
	}
	m.symbolsFailed.Add(1)
}

// FetchRetried records one provider retry.
func (m *Metrics) FetchRetried() {
	if m == nil {
		return
	}
	m.fetchRetries.Add(1)
}

// Snapshot returns a copy of the current values, waits sorted by provider and mode.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	waits := make([]WaitSnapshot, 0, len(m.waits))
	for k, v := range m.waits {
		waits = append(waits, WaitSnapshot{Provider: k.provider, Mode: k.mode, Latency: v.Snapshot()})
	}
	m.mu.RUnlock()

	sort.Slice(waits, func(i, j int) bool {
		if waits[i].Provider != waits[j].Provider {
			return waits[i].Provider < waits[j].Provider
		}
		return waits[i].Mode < waits[j].Mode
	})

	return Snapshot{
		Waits:            waits,
		SymbolsProcessed: m.symbolsProcessed.Load(),
		SymbolsFailed:    m.symbolsFailed.Load(),
		BarsWritten:      m.barsWritten.Load(),
		BarsRejected:     m.barsRejected.Load(),
		FetchRetries:     m.fetchRetries.Load(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if l == nil || d < 0 {
		return
	}
	nanos := uint64(d)
	l.count.Add(1)
	l.sum.Add(nanos)

	for {
		cur := l.min.Load()
		if cur != 0 && nanos >= cur {
			break
		}
		if l.min.CompareAndSwap(cur, nanos) {
			break
		}
	}

	for {
		cur := l.max.Load()
		if nanos <= cur {
			break
		}
		if l.max.CompareAndSwap(cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := l.count.Load()
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / count),
	}
}
