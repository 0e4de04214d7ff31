package telemetry

// Window is a fixed-capacity FIFO buffer holding the most recent observations.
// Pushing into a full window evicts the oldest element.
type Window[T any] struct {
	buf   []T
	start int
	size  int
}

// NewWindow creates an empty window. Capacity must be positive.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		panic("telemetry: window capacity must be positive")
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v. If the window was full the evicted element is returned
// with ok=true.
func (w *Window[T]) Push(v T) (evicted T, ok bool) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = v
		w.size++
		return evicted, false
	}
	evicted = w.buf[w.start]
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
	return evicted, true
}

// At returns the i-th element, oldest first.
func (w *Window[T]) At(i int) T {
	if i < 0 || i >= w.size {
		panic("telemetry: window index out of range")
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// Len returns the number of elements currently held.
func (w *Window[T]) Len() int { return w.size }

// Values returns a copy of the contents, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.size)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Reset empties the window without releasing its backing storage.
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.start = 0
	w.size = 0
}
