package bridge

import (
	"sync"
	"time"
)

// debouncer groups rapid calls per key into one callback after a quiet
// period. A new call for a pending key restarts its delay instead of
// scheduling a second callback.
type debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timers   map[string]*time.Timer
	seq      map[string]uint64
	stopped  bool
	callback func(key string)
}

func newDebouncer(delay time.Duration, callback func(key string)) *debouncer {
	return &debouncer{
		delay:    delay,
		timers:   make(map[string]*time.Timer),
		seq:      make(map[string]uint64),
		callback: callback,
	}
}

// Call schedules the callback for key after the delay.
func (d *debouncer) Call(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.seq[key]++
	current := d.seq[key]
	if t := d.timers[key]; t != nil {
		t.Stop()
	}

	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// Only the latest scheduled callback for key may run.
		if d.stopped || d.seq[key] != current {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		delete(d.seq, key)
		d.mu.Unlock()
		d.callback(key)
	})
}

// Cancel drops any pending callback for key.
func (d *debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.timers[key]; t != nil {
		t.Stop()
		delete(d.timers, key)
	}
	// Invalidate a timer that already fired but has not taken the lock.
	if _, ok := d.seq[key]; ok {
		d.seq[key]++
	}
}

// IsPending reports whether key has a scheduled callback.
func (d *debouncer) IsPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop cancels everything and ignores later calls.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
