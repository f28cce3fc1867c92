package mcphost

import (
	"slices"
	"sync"
)

// latencyWindow tracks the last N tool call latencies for median calculation.
// It uses a ring buffer so that only the most recent [size] measurements are
// kept. All methods are safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64 // ring buffer of latency measurements in ms
	pos     int     // next write position
	count   int     // total samples written (may exceed len(samples))
	size    int     // window capacity
}

// newLatencyWindow creates a new latency window with the given capacity.
// A size of 0 or negative defaults to 100.
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 100
	}
	return &latencyWindow{
		samples: make([]int64, size),
		size:    size,
	}
}

// Record adds a latency measurement (in ms) to the window. The oldest
// measurement is overwritten once the buffer is full.
func (w *latencyWindow) Record(latencyMs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.pos] = latencyMs
	w.pos = (w.pos + 1) % w.size
	w.count++
}

// windowLen returns the number of meaningful samples in the buffer (≤ size).
func (w *latencyWindow) windowLen() int {
	if w.count >= w.size {
		return w.size
	}
	return w.count
}

// P50 returns the median (50th-percentile) latency in ms.
// Returns 0 if no measurements have been recorded.
func (w *latencyWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.windowLen()
	if n == 0 {
		return 0
	}
	cp := make([]int64, n)
	if w.count >= w.size {
		// Full ring: oldest element is at pos.
		for i := 0; i < w.size; i++ {
			cp[i] = w.samples[(w.pos+i)%w.size]
		}
	} else {
		copy(cp, w.samples[:n])
	}
	slices.Sort(cp)
	return cp[len(cp)/2]
}

// Count returns the total number of invocations recorded (may exceed window
// capacity).
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
