// Package window provides a fixed-capacity ring buffer over float64 samples.
// It backs every sliding-window statistic in the engine: bounded memory,
// oldest sample evicted on overflow.
package window

import "fmt"

// DefaultCapacity is the window size used by the trackers unless configured.
const DefaultCapacity = 10

// Ring is a fixed-capacity ring buffer. The zero value is not usable;
// construct with New or FromValues.
type Ring struct {
	buf   []float64
	head  int // index of the oldest sample
	count int
}

// New creates an empty ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("window: capacity must be positive, got %d", capacity))
	}
	return &Ring{buf: make([]float64, capacity)}
}

// FromValues creates a ring containing the given samples, oldest first.
// Used when restoring a serialized window. If len(values) exceeds capacity
// only the newest samples are kept.
func FromValues(capacity int, values []float64) *Ring {
	r := New(capacity)
	for _, v := range values {
		r.Push(v)
	}
	return r
}

// Push appends a sample, evicting the oldest when full.
func (r *Ring) Push(v float64) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of samples currently held.
func (r *Ring) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Values returns the samples oldest first. The slice is a copy.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Mean returns the arithmetic mean, or 0 for an empty window.
func (r *Ring) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < r.count; i++ {
		sum += r.buf[(r.head+i)%len(r.buf)]
	}
	return sum / float64(r.count)
}

// Variance returns the population variance, or 0 for an empty window.
func (r *Ring) Variance() float64 {
	if r.count == 0 {
		return 0
	}
	mean := r.Mean()
	sum := 0.0
	for i := 0; i < r.count; i++ {
		d := r.buf[(r.head+i)%len(r.buf)] - mean
		sum += d * d
	}
	return sum / float64(r.count)
}
