package mcphost

import (
	"testing"
)

// TestLatencyWindowBasic verifies that a new window starts empty.
func TestLatencyWindowBasic(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	if got := w.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := w.P50(); got != 0 {
		t.Errorf("P50() = %d, want 0", got)
	}
}

// TestLatencyWindowDefaultSize verifies that size ≤ 0 defaults to 100.
func TestLatencyWindowDefaultSize(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(0)
	if w.size != 100 {
		t.Errorf("size = %d, want 100", w.size)
	}
}

// TestLatencyWindowP50 verifies the median calculation.
func TestLatencyWindowP50(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	// Record odd-length sequence so median is well-defined.
	for _, ms := range []int64{10, 20, 30, 40, 50} {
		w.Record(ms)
	}
	// Sorted: [10,20,30,40,50] → index 2 → 30.
	if got := w.P50(); got != 30 {
		t.Errorf("P50() = %d, want 30", got)
	}
}

// TestLatencyWindowCount verifies the total invocation count.
func TestLatencyWindowCount(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(5)
	for i := 0; i < 7; i++ {
		w.Record(int64(i * 10))
	}
	if got := w.Count(); got != 7 {
		t.Errorf("Count() = %d, want 7", got)
	}
}

// TestLatencyWindowRing verifies that the ring buffer wraps correctly.
func TestLatencyWindowRing(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(3)
	w.Record(100)
	w.Record(200)
	w.Record(300)
	// Window full: [100,200,300] → P50 = 200.
	if got := w.P50(); got != 200 {
		t.Errorf("P50() after fill = %d, want 200", got)
	}
	// Overwrite oldest with 400 → [200,300,400] → P50 = 300.
	w.Record(400)
	if got := w.P50(); got != 300 {
		t.Errorf("P50() after overwrite = %d, want 300", got)
	}
}

// TestLatencyWindowSingleSample verifies P50 with one value.
func TestLatencyWindowSingleSample(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(10)
	w.Record(42)
	if got := w.P50(); got != 42 {
		t.Errorf("P50() = %d, want 42", got)
	}
}

// TestLatencyWindowConcurrent ensures no data races under concurrent access.
func TestLatencyWindowConcurrent(t *testing.T) {
	t.Parallel()
	w := newLatencyWindow(50)
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func(v int64) {
			for j := 0; j < 20; j++ {
				w.Record(v)
			}
			done <- struct{}{}
		}(int64(i * 10))
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	// Just ensure no panic and count is sane.
	if c := w.Count(); c != 100 {
		t.Errorf("Count() = %d, want 100", c)
	}
}
