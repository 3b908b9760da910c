package optimizer

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// NetworkQuality classifies observed latency and drop rate.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityPoor      NetworkQuality = "poor"
	QualityCritical  NetworkQuality = "critical"
)

// Level is the recommended optimization level derived from network
// quality. Higher levels debounce and throttle more aggressively.
type Level string

const (
	LevelLow        Level = "low"
	LevelMedium     Level = "medium"
	LevelHigh       Level = "high"
	LevelAggressive Level = "aggressive"
)

// Metrics collects rolling latency samples and windowed throughput
// counters, and derives network quality and the optimization level.
type Metrics struct {
	clock  clockwork.Clock
	window int

	mu        sync.Mutex
	latencies []time.Duration // rolling window

	// counters reset every collection interval
	windowEvents  uint64
	windowDropped uint64

	totalEvents  uint64
	totalDropped uint64
	debounced    uint64
	throttled    uint64
	cacheHits    uint64
	cacheMisses  uint64

	throughput float64 // events/sec over the last interval
	quality    NetworkQuality
	level      Level
}

func newMetrics(clock clockwork.Clock, window int) *Metrics {
	return &Metrics{
		clock:   clock,
		window:  window,
		quality: QualityExcellent,
		level:   LevelLow,
	}
}

// RecordLatency adds one dispatch latency sample to the rolling window.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
	if len(m.latencies) > m.window {
		m.latencies = m.latencies[len(m.latencies)-m.window:]
	}
}

// RecordEvent counts one processed event toward throughput.
func (m *Metrics) RecordEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowEvents++
	m.totalEvents++
}

// RecordDropped counts one dropped event toward the drop rate.
func (m *Metrics) RecordDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowDropped++
	m.totalDropped++
}

func (m *Metrics) recordDebounced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounced++
}

func (m *Metrics) recordThrottled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttled++
}

func (m *Metrics) recordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *Metrics) recordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// Level returns the current recommended optimization level.
func (m *Metrics) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Quality returns the current network quality classification.
func (m *Metrics) Quality() NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// collect closes the current throughput window and reclassifies network
// quality. Called on every metrics interval.
func (m *Metrics) collect(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.throughput = float64(m.windowEvents) / interval.Seconds()

	var dropRate float64
	if total := m.windowEvents + m.windowDropped; total > 0 {
		dropRate = float64(m.windowDropped) / float64(total)
	}
	m.windowEvents = 0
	m.windowDropped = 0

	avg := averageLatency(m.latencies)
	m.quality = classifyQuality(avg, dropRate)
	m.level = levelFor(m.quality)

	log.Debug().
		Dur("avg_latency", avg).
		Float64("drop_rate", dropRate).
		Float64("throughput", m.throughput).
		Str("quality", string(m.quality)).
		Str("level", string(m.level)).
		Msg("metrics collected")
}

func classifyQuality(avg time.Duration, dropRate float64) NetworkQuality {
	switch {
	case avg < 100*time.Millisecond && dropRate < 0.01:
		return QualityExcellent
	case avg < 250*time.Millisecond && dropRate < 0.05:
		return QualityGood
	case avg < 600*time.Millisecond && dropRate < 0.15:
		return QualityPoor
	default:
		return QualityCritical
	}
}

func levelFor(q NetworkQuality) Level {
	switch q {
	case QualityExcellent:
		return LevelLow
	case QualityGood:
		return LevelMedium
	case QualityPoor:
		return LevelHigh
	default:
		return LevelAggressive
	}
}

// Snapshot is a point-in-time view of the collected metrics.
type Snapshot struct {
	AvgLatency   time.Duration  `json:"avg_latency"`
	MinLatency   time.Duration  `json:"min_latency"`
	MaxLatency   time.Duration  `json:"max_latency"`
	P95Latency   time.Duration  `json:"p95_latency"`
	P99Latency   time.Duration  `json:"p99_latency"`
	Throughput   float64        `json:"throughput_per_sec"`
	TotalEvents  uint64         `json:"total_events"`
	TotalDropped uint64         `json:"total_dropped"`
	Debounced    uint64         `json:"debounced"`
	Throttled    uint64         `json:"throttled"`
	CacheHits    uint64         `json:"cache_hits"`
	CacheMisses  uint64         `json:"cache_misses"`
	Quality      NetworkQuality `json:"network_quality"`
	Level        Level          `json:"optimization_level"`
}

// SnapshotNow computes latency percentiles over the rolling window and
// returns the current counters.
func (m *Metrics) SnapshotNow() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Throughput:   m.throughput,
		TotalEvents:  m.totalEvents,
		TotalDropped: m.totalDropped,
		Debounced:    m.debounced,
		Throttled:    m.throttled,
		CacheHits:    m.cacheHits,
		CacheMisses:  m.cacheMisses,
		Quality:      m.quality,
		Level:        m.level,
	}
	if len(m.latencies) == 0 {
		return snap
	}

	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	snap.AvgLatency = averageLatency(sorted)
	snap.MinLatency = sorted[0]
	snap.MaxLatency = sorted[len(sorted)-1]
	snap.P95Latency = percentile(sorted, 0.95)
	snap.P99Latency = percentile(sorted, 0.99)
	return snap
}

func averageLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
