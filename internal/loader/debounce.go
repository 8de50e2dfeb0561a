package loader

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer runs only the last function triggered within a quiet window.
type Debouncer struct {
	mu    sync.Mutex
	clock clock.Clock
	wait  time.Duration
	timer *clock.Timer
	gen   uint64
}

func NewDebouncer(c clock.Clock, wait time.Duration) *Debouncer {
	if c == nil {
		c = clock.New()
	}
	return &Debouncer{clock: c, wait: wait}
}

// Trigger (re)arms the window; fn replaces any function still waiting.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.wait, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the waiting function, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
