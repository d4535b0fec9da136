package bus

// ring is a fixed-capacity FIFO. When full, push overwrites the oldest element.
// Not safe for concurrent use; Subscription guards it.
type ring[T any] struct {
	buf   []T
	head  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends item and reports whether the oldest element was overwritten.
func (r *ring[T]) push(item T) (dropped bool) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.count++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return item, true
}

func (r *ring[T]) len() int { return r.count }
