package monitor

// RingBuffer keeps the latest samples; callers hold the tracker lock
type RingBuffer[T any] struct {
	buf   []T
	next  int
	count int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

// Push evicts the oldest sample once full
func (r *RingBuffer[T]) Push(v T) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
	}
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *RingBuffer[T]) Len() int { return r.count }

func (r *RingBuffer[T]) Cap() int { return len(r.buf) }

// Last returns the newest sample
func (r *RingBuffer[T]) Last() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.next+len(r.buf)-1)%len(r.buf)], true
}

// ForEach walks oldest to newest and stops when fn returns false
func (r *RingBuffer[T]) ForEach(fn func(*T) bool) {
	first := (r.next + len(r.buf) - r.count) % len(r.buf)
	for i := 0; i < r.count; i++ {
		if !fn(&r.buf[(first+i)%len(r.buf)]) {
			return
		}
	}
}

func (r *RingBuffer[T]) Slice() []T {
	out := make([]T, 0, r.count)
	r.ForEach(func(v *T) bool {
		out = append(out, *v)
		return true
	})
	return out
}
