// Package metrics tracks performance and operational statistics for a
// running Cache: read/write counters, per-path hit/miss/promote
// counts, and a coarse latency histogram. Adapted from go-ublk's
// device metrics to the multi-factor read path.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines histogram bucket upper bounds in nanoseconds,
// logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics accumulates counters for a single Cache instance. All fields
// are safe for concurrent use from the engine, the device queues, and
// the monitor.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	CacheHits   atomic.Uint64 // hits served from the cache device
	CacheMisses atomic.Uint64 // misses sent to the core device
	SpilledHits atomic.Uint64 // hits spilled to core due to load_admit

	Promotions     atomic.Uint64 // misses promoted into the cache
	Backfills      atomic.Uint64 // promotions that completed backfill
	PassThroughs   atomic.Uint64 // reads served via pass-through fallback
	CacheIOErrors  atomic.Uint64
	CoreIOErrors   atomic.Uint64
	MappingErrors  atomic.Uint64
	NoMemErrors    atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// New creates a zeroed Metrics with StartTime set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read of the given size and latency.
func (m *Metrics) RecordRead(bytes uint64, latency time.Duration) {
	m.ReadOps.Add(1)
	m.ReadBytes.Add(bytes)
	m.recordLatency(latency)
}

// RecordWrite records a completed write of the given size and latency.
func (m *Metrics) RecordWrite(bytes uint64, latency time.Duration) {
	m.WriteOps.Add(1)
	m.WriteBytes.Add(bytes)
	m.recordLatency(latency)
}

func (m *Metrics) recordLatency(latency time.Duration) {
	ns := uint64(latency.Nanoseconds())
	m.TotalLatencyNs.Add(ns)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.LatencyBuckets[i].Add(1)
			return
		}
	}
}

// MissRatio returns the cumulative read-miss ratio: misses /
// (hits+misses). Returns 0 if no reads have been classified yet. This
// is the signal the monitor's wait_stable loop samples.
func (m *Metrics) MissRatio() float64 {
	hits := m.CacheHits.Load() + m.SpilledHits.Load()
	misses := m.CacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(misses) / float64(total)
}

// Snapshot is a point-in-time copy of the counters, suitable for
// printing or JSON-encoding.
type Snapshot struct {
	ReadOps, WriteOps                                    uint64
	CacheHits, CacheMisses, SpilledHits                   uint64
	Promotions, Backfills, PassThroughs                   uint64
	CacheIOErrors, CoreIOErrors, MappingErrors, NoMemErrors uint64
	ReadBytes, WriteBytes                                 uint64
	MissRatio                                             float64
	AverageLatency                                        time.Duration
	Uptime                                                time.Duration
}

// Snap takes a consistent-enough snapshot of the counters for display.
func (m *Metrics) Snap() Snapshot {
	var avg time.Duration
	if n := m.OpCount.Load(); n > 0 {
		avg = time.Duration(m.TotalLatencyNs.Load() / n)
	}
	return Snapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		CacheHits:      m.CacheHits.Load(),
		CacheMisses:    m.CacheMisses.Load(),
		SpilledHits:    m.SpilledHits.Load(),
		Promotions:     m.Promotions.Load(),
		Backfills:      m.Backfills.Load(),
		PassThroughs:   m.PassThroughs.Load(),
		CacheIOErrors:  m.CacheIOErrors.Load(),
		CoreIOErrors:   m.CoreIOErrors.Load(),
		MappingErrors:  m.MappingErrors.Load(),
		NoMemErrors:    m.NoMemErrors.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		MissRatio:      m.MissRatio(),
		AverageLatency: avg,
		Uptime:         time.Since(time.Unix(0, m.StartTime.Load())),
	}
}
