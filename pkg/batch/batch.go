// Package batch implements the edit coalescing discipline shared by every sync
// strategy: pending local edits are flushed after a quiet period with no new
// edits, or unconditionally once a ceiling since the last flush is reached,
// whichever comes first. The quiet period bounds chattiness, the ceiling bounds
// staleness.
package batch

import (
	"sync"
	"time"
)

type Flusher struct {
	quiet   time.Duration
	ceiling time.Duration
	flush   func()

	mu        sync.Mutex
	timer     *time.Timer
	pending   bool
	lastFlush time.Time
	closed    bool
}

// New returns a Flusher calling flush from a timer goroutine; flush must be
// safe to call from there.
func New(quiet, ceiling time.Duration, flush func()) *Flusher {
	if ceiling < quiet {
		ceiling = quiet
	}
	return &Flusher{quiet: quiet, ceiling: ceiling, flush: flush, lastFlush: time.Now()}
}

// Mark records a pending local edit and (re)arms the timer for the earlier of
// quiet-from-now and ceiling-from-last-flush.
func (f *Flusher) Mark() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.pending = true
	d := f.quiet
	if cap := time.Until(f.lastFlush.Add(f.ceiling)); cap < d {
		d = cap
	}
	if d < 0 {
		d = 0
	}
	if f.timer == nil {
		f.timer = time.AfterFunc(d, f.fire)
	} else {
		f.timer.Reset(d)
	}
	f.mu.Unlock()
}

func (f *Flusher) fire() {
	f.mu.Lock()
	if f.closed || !f.pending {
		f.mu.Unlock()
		return
	}
	f.pending = false
	f.lastFlush = time.Now()
	f.mu.Unlock()
	f.flush()
}

// Flush forces a pending batch out immediately. Used on visibility loss and
// teardown so unsent edits are not stranded.
func (f *Flusher) Flush() {
	f.mu.Lock()
	if f.closed || !f.pending {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.pending = false
	f.lastFlush = time.Now()
	f.mu.Unlock()
	f.flush()
}

// Close flushes anything pending and stops the timer for good.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
	}
	pending := f.pending
	f.pending = false
	f.mu.Unlock()
	if pending {
		f.flush()
	}
}
