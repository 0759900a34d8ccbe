// Package buffer provides a generic ring buffer used for log history and
// pending event queues.
package buffer

const minGrowCapacity = 16

// Ring is a FIFO ring buffer. A bounded ring overwrites its oldest entry when
// full; an unbounded ring grows its backing slice instead. Ring is not safe
// for concurrent use.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
	bounded bool
}

// NewRing creates a bounded ring holding at most size entries.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
		bounded: true,
	}
}

// NewUnboundedRing creates a ring that grows as needed. capacity is only the
// initial allocation.
func NewUnboundedRing[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring[T]{
		entries: make([]T, capacity),
	}
}

// Add appends an entry. It reports whether the oldest entry was overwritten
// to make room, which only happens for bounded rings.
func (r *Ring[T]) Add(entry T) bool {
	if r == nil {
		return false
	}

	if r.count == len(r.entries) {
		if r.bounded {
			if len(r.entries) == 0 {
				return false
			}
			r.entries[r.start] = entry
			r.start = (r.start + 1) % len(r.entries)
			return true
		}
		r.grow()
	}

	index := (r.start + r.count) % len(r.entries)
	r.entries[index] = entry
	r.count++
	return false
}

func (r *Ring[T]) grow() {
	capacity := len(r.entries) * 2
	if capacity < minGrowCapacity {
		capacity = minGrowCapacity
	}
	entries := make([]T, capacity)
	r.copyInto(entries)
	r.entries = entries
	r.start = 0
}

func (r *Ring[T]) copyInto(out []T) {
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
}

// Len reports the number of stored entries.
func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the stored entries, oldest first, without removing them.
func (r *Ring[T]) List() []T {
	if r == nil || r.count == 0 {
		return nil
	}

	out := make([]T, r.count)
	r.copyInto(out)
	return out
}

// Last returns up to n of the most recent entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.start+offset+i)%len(r.entries)]
	}
	return out
}

// Drain returns every stored entry, oldest first, and empties the ring.
func (r *Ring[T]) Drain() []T {
	out := r.List()
	r.Reset()
	return out
}

// Reset removes all entries, releasing references held by the backing slice.
func (r *Ring[T]) Reset() {
	if r == nil {
		return
	}
	var zero T
	for i := range r.entries {
		r.entries[i] = zero
	}
	r.start = 0
	r.count = 0
}
