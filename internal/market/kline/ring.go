package kline

// RingBuffer is a fixed-capacity FIFO window. Pushing into a full buffer
// evicts the oldest element. Not safe for concurrent use; each strategy
// instance owns its buffers.
type RingBuffer[T any] struct {
	data  []T
	start int
	size  int
}

// NewRingBuffer creates a buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
func (r *RingBuffer[T]) Push(v T) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = v
		r.size++
		return
	}
	r.data[r.start] = v
	r.start = (r.start + 1) % len(r.data)
}

// Len returns the number of stored elements
func (r *RingBuffer[T]) Len() int { return r.size }

// Cap returns the capacity
func (r *RingBuffer[T]) Cap() int { return len(r.data) }

// Full reports whether Len == Cap
func (r *RingBuffer[T]) Full() bool { return r.size == len(r.data) }

// At returns the i-th element, 0 being the oldest.
func (r *RingBuffer[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("kline: ring buffer index out of range")
	}
	return r.data[(r.start+i)%len(r.data)]
}

// Last returns the newest element and false when empty.
func (r *RingBuffer[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Values copies the contents, oldest first.
func (r *RingBuffer[T]) Values() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Reset empties the buffer
func (r *RingBuffer[T]) Reset() {
	r.start, r.size = 0, 0
}
