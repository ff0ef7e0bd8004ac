// Package timeseries provides the rolling time window used by both the
// traffic inspector (request/byte/latency sampling) and the rate limiters
// (sliding-window request counting): a time-ordered sequence of values that
// is pruned lazily on read so only entries newer than now-window remain.
package timeseries

import "sync"

// Sample is one recorded value at a point in time.
type Sample struct {
	Value     float64
	Timestamp int64 // unix nanoseconds
}

// Window is a mutex-guarded, lazily-pruned rolling window. Safe for
// concurrent use.
type Window struct {
	mu       sync.Mutex
	samples  []Sample
	windowNS int64
}

// New creates a window that retains samples for the given duration
// (nanoseconds).
func New(windowNS int64) *Window {
	return &Window{windowNS: windowNS}
}

// Add records a value at timestamp (unix nanoseconds).
func (w *Window) Add(value float64, timestampNS int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, Sample{Value: value, Timestamp: timestampNS})
}

// prune drops samples at or older than now-window, keeping only samples
// strictly newer than the cutoff. Caller must hold w.mu.
func (w *Window) prune(nowNS int64) {
	cutoff := nowNS - w.windowNS
	i := 0
	for i < len(w.samples) && w.samples[i].Timestamp <= cutoff {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Values returns a copy of every sample newer than now-window, oldest
// first.
func (w *Window) Values(nowNS int64) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(nowNS)
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Value
	}
	return out
}

// Count returns the number of samples newer than now-window.
func (w *Window) Count(nowNS int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(nowNS)
	return len(w.samples)
}

// Sum returns the sum of every sample newer than now-window.
func (w *Window) Sum(nowNS int64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(nowNS)
	var total float64
	for _, s := range w.samples {
		total += s.Value
	}
	return total
}

// Oldest returns the timestamp of the oldest surviving sample and true, or
// (0, false) if the window is empty.
func (w *Window) Oldest(nowNS int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(nowNS)
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.samples[0].Timestamp, true
}
