package stats

import (
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	value int64
}

// Window keeps the last N samples of a monotonic counter and derives a rate
// from them. The window is a sample count, not a duration.
type Window struct {
	mu      sync.Mutex
	size    int
	samples []sample
}

// NewWindow creates a window holding size samples (minimum 2).
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{size: size, samples: make([]sample, 0, size)}
}

// Add records the counter's cumulative value at a point in time.
func (w *Window) Add(at time.Time, value int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, sample{at: at, value: value})
}

// Rate returns units per second between the oldest and newest samples, zero
// until two samples exist.
func (w *Window) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 2 {
		return 0
	}
	first, last := w.samples[0], w.samples[len(w.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.value-first.value) / elapsed
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}
