package session

// Ring is a bounded FIFO. When full, appending evicts the oldest element.
// It is not safe for concurrent use; callers hold the session lock.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring with the given capacity. Capacity must be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("session: ring capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Append(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	return r.count
}

// Clear removes all elements.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Recent returns the last n elements in insertion order. If n exceeds the
// current size, all elements are returned.
func (r *Ring[T]) Recent(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// ExtractRecent walks the ring from newest to oldest, applies fn to each
// element, and returns the last n values for which fn reports ok, in
// insertion order.
func ExtractRecent[T, V any](r *Ring[T], n int, fn func(T) (V, bool)) []V {
	if n <= 0 {
		return nil
	}
	var reversed []V
	for i := r.count - 1; i >= 0 && len(reversed) < n; i-- {
		v, ok := fn(r.buf[(r.head+i)%len(r.buf)])
		if ok {
			reversed = append(reversed, v)
		}
	}
	out := make([]V, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}
