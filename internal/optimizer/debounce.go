package optimizer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type debouncer struct {
	timer   clockwork.Timer
	payload any
	gen     uint64
}

// Debounce returns a wrapper around fn keyed by key. Each invocation
// cancels any pending timer under that key and reschedules; fn fires once
// after delay of silence, with the payload of the last call. Every
// cancellation counts a debounced-event metric.
func (o *Optimizer) Debounce(key string, delay time.Duration, fn func(payload any)) func(payload any) {
	return func(payload any) {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}

		d, ok := o.debouncers[key]
		if ok {
			// Stop can report false when the timer already fired but its
			// callback has not taken the lock yet. The generation bump
			// below invalidates that callback either way.
			d.timer.Stop()
			o.metrics.recordDebounced()
		} else {
			d = &debouncer{}
			o.debouncers[key] = d
		}
		d.gen++
		gen := d.gen
		d.payload = payload
		d.timer = o.clock.AfterFunc(delay, func() {
			o.mu.Lock()
			current, ok := o.debouncers[key]
			if !ok || current.gen != gen {
				// Superseded by a reschedule; the newer timer owns the fire.
				o.mu.Unlock()
				return
			}
			p := current.payload
			delete(o.debouncers, key)
			o.mu.Unlock()
			fn(p)
		})
		o.mu.Unlock()
	}
}

type throttleWindow struct {
	start time.Time
	count int
}

// Throttle returns a wrapper around fn keyed by key with a fixed counting
// window. Calls beyond limit within the window are dropped and return
// false; the window resets once elapsed time reaches window.
func (o *Optimizer) Throttle(key string, limit int, window time.Duration, fn func(payload any)) func(payload any) bool {
	return func(payload any) bool {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return false
		}

		w, ok := o.throttles[key]
		now := o.clock.Now()
		if !ok {
			w = &throttleWindow{start: now}
			o.throttles[key] = w
		}
		if now.Sub(w.start) >= window {
			w.start = now
			w.count = 0
		}
		if w.count >= limit {
			o.metrics.recordThrottled()
			o.mu.Unlock()
			return false
		}
		w.count++
		o.mu.Unlock()

		fn(payload)
		return true
	}
}
