package sync

import (
	"sync"
	"time"
)

// DefaultDebounceDelay is how long a path must stay quiet before its
// pending change fires.
const DefaultDebounceDelay = 100 * time.Millisecond

// Debouncer coalesces bursts of events per path. Each Trigger cancels the
// path's pending timer and arms a fresh one, so only the final event of a
// rapid burst fires. Distinct paths debounce independently.
type Debouncer struct {
	delay time.Duration
	fire  func(path string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewDebouncer returns a Debouncer invoking fire after a path has been
// quiet for delay. fire runs on a timer goroutine; it must be safe to call
// concurrently for different paths.
func NewDebouncer(delay time.Duration, fire func(path string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{
		delay:  delay,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules (or reschedules) the pending change for path.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A Trigger that raced this firing has already replaced the entry;
		// the newer timer owns the path and this one stands down.
		if current, ok := d.timers[path]; d.stopped || !ok || current != timer {
			d.mu.Unlock()
			return
		}
		delete(d.timers, path)
		d.mu.Unlock()
		d.fire(path)
	})
	d.timers[path] = timer
}

// Cancel drops the pending change for path, if any.
func (d *Debouncer) Cancel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
		delete(d.timers, path)
	}
}

// Pending reports how many paths have a change waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending timer. Further Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}
