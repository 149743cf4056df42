package xfer

import (
	"sync"
	"time"
)

// ProgressTracker throttles per-file progress callbacks and keeps a
// smoothed transfer rate. One tracker serves one file; batch drivers
// make a fresh one per file.
type ProgressTracker struct {
	mu sync.Mutex

	filename string
	current  int64
	total    int64

	started time.Time
	lastAt  time.Time
	lastN   int64

	// rate is an exponentially smoothed bytes/second figure; raw
	// per-interval rates over a serial line jump around too much to
	// show anyone.
	rate float64

	callback func(string, int64, int64, float64)
	interval time.Duration
}

// progressSmoothing weights the newest interval against history.
const progressSmoothing = 0.4

// NewProgressTracker creates a tracker calling back at most once per
// interval. A zero interval means ten updates a second.
func NewProgressTracker(callback func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{
		callback: callback,
		interval: interval,
	}
}

// Start begins tracking a file. total may be -1 when unknown.
func (pt *ProgressTracker) Start(filename string, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.filename = filename
	pt.total = total
	pt.current = 0
	pt.rate = 0
	pt.started = time.Now()
	pt.lastAt = pt.started
	pt.lastN = 0
}

// Update records the new byte count and fires the callback when the
// interval has passed.
func (pt *ProgressTracker) Update(current int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.current = current

	now := time.Now()
	elapsed := now.Sub(pt.lastAt)
	if elapsed < pt.interval {
		return
	}

	instant := float64(current-pt.lastN) / elapsed.Seconds()
	if pt.rate == 0 {
		pt.rate = instant
	} else {
		pt.rate = progressSmoothing*instant + (1-progressSmoothing)*pt.rate
	}

	if pt.callback != nil {
		pt.callback(pt.filename, current, pt.total, pt.rate)
	}
	pt.lastAt = now
	pt.lastN = current
}

// Complete fires a final callback and returns the elapsed time.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	elapsed := time.Since(pt.started)
	if pt.callback != nil {
		pt.callback(pt.filename, pt.current, pt.total, 0)
	}
	return elapsed
}

// GetStats returns a snapshot for polling UIs.
func (pt *ProgressTracker) GetStats() (filename string, current, total int64, rate float64, elapsed time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	elapsed = time.Since(pt.started)
	rate = pt.rate
	if rate == 0 && elapsed > 0 {
		rate = float64(pt.current) / elapsed.Seconds()
	}
	return pt.filename, pt.current, pt.total, rate, elapsed
}
