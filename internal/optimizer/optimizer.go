package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds tuning knobs for the optimizer.
type Config struct {
	CacheCapacity      int
	DefaultCacheTTL    time.Duration
	DeltaBufferCap     int
	DeltaFlushInterval time.Duration
	MetricsInterval    time.Duration
	LatencyWindow      int
}

// DefaultConfig returns default optimizer configuration.
func DefaultConfig() Config {
	return Config{
		CacheCapacity:      1000,
		DefaultCacheTTL:    5 * time.Minute,
		DeltaBufferCap:     500,
		DeltaFlushInterval: 2 * time.Second,
		MetricsInterval:    5 * time.Second,
		LatencyWindow:      1000,
	}
}

// Optimizer bundles the cross-cutting performance utilities: debounce and
// throttle primitives, a priority+TTL cache, the delta pipeline, a
// pluggable conflict resolver and rolling metrics.
//
// Every operation is best-effort: a failure inside cache, delta or
// conflict logic is logged and the raw value or path is used instead. No
// optimizer failure propagates to the primary data flow.
type Optimizer struct {
	clock  clockwork.Clock
	config Config

	mu         sync.Mutex
	debouncers map[string]*debouncer
	throttles  map[string]*throttleWindow
	cache      map[string]*CacheEntry
	deltas     map[string][]Delta
	deltaFn    func([]Delta)
	resolvers  map[string]resolverEntry
	conflictFn []func(ConflictNotice)
	closed     bool

	metrics *Metrics
}

// New constructs an optimizer. The clock drives every timer the optimizer
// owns; pass a fake clock in tests.
func New(clock clockwork.Clock, config Config) *Optimizer {
	if config.CacheCapacity <= 0 {
		config.CacheCapacity = 1000
	}
	if config.DeltaBufferCap <= 0 {
		config.DeltaBufferCap = 500
	}
	if config.LatencyWindow <= 0 {
		config.LatencyWindow = 1000
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}
	return &Optimizer{
		clock:      clock,
		config:     config,
		debouncers: make(map[string]*debouncer),
		throttles:  make(map[string]*throttleWindow),
		cache:      make(map[string]*CacheEntry),
		deltas:     make(map[string][]Delta),
		resolvers:  make(map[string]resolverEntry),
		metrics:    newMetrics(clock, config.LatencyWindow),
	}
}

// Metrics returns the rolling metrics collector. ChannelManager feeds
// dispatch latency and event counts into it.
func (o *Optimizer) Metrics() *Metrics {
	return o.metrics
}

// Run drives the periodic metrics collection and delta flush loops until
// the context is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	metricsTicker := o.clock.NewTicker(o.config.MetricsInterval)
	defer metricsTicker.Stop()
	flushTicker := o.clock.NewTicker(o.config.DeltaFlushInterval)
	defer flushTicker.Stop()

	log.Info().
		Dur("metrics_interval", o.config.MetricsInterval).
		Dur("delta_flush_interval", o.config.DeltaFlushInterval).
		Msg("optimizer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("optimizer shutting down")
			o.Close()
			return
		case <-metricsTicker.Chan():
			o.metrics.collect(o.config.MetricsInterval)
		case <-flushTicker.Chan():
			o.FlushDeltas()
		}
	}
}

// Close cancels all pending debounce timers. Idempotent.
func (o *Optimizer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for key, d := range o.debouncers {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(o.debouncers, key)
	}
}

// Tuning maps the current optimization level to recommended defaults for
// debounce, throttle and cache consumers.
type Tuning struct {
	DebounceDelay  time.Duration
	ThrottleLimit  int
	ThrottleWindow time.Duration
	CacheTTL       time.Duration
}

// Tuning returns defaults for the current optimization level. Higher
// levels trade freshness for fewer transmissions.
func (o *Optimizer) Tuning() Tuning {
	switch o.metrics.Level() {
	case LevelLow:
		return Tuning{DebounceDelay: 50 * time.Millisecond, ThrottleLimit: 60, ThrottleWindow: time.Second, CacheTTL: 30 * time.Second}
	case LevelMedium:
		return Tuning{DebounceDelay: 100 * time.Millisecond, ThrottleLimit: 30, ThrottleWindow: time.Second, CacheTTL: time.Minute}
	case LevelHigh:
		return Tuning{DebounceDelay: 250 * time.Millisecond, ThrottleLimit: 10, ThrottleWindow: time.Second, CacheTTL: 2 * time.Minute}
	default: // aggressive
		return Tuning{DebounceDelay: 500 * time.Millisecond, ThrottleLimit: 5, ThrottleWindow: time.Second, CacheTTL: 5 * time.Minute}
	}
}
