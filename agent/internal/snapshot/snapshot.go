package snapshot

import "sync/atomic"

// DoubleBuffer gives readers a stable value while a single writer prepares the
// next one. Write fills the hidden slot; Swap exchanges it with the visible
// slot in one atomic step, so Read only ever returns a published value.
//
// Only one goroutine may call Write and Swap. Read is safe from any goroutine.
type DoubleBuffer[T any] struct {
	visible atomic.Pointer[T]
	hidden  *T
}

// Write stores v in the slot readers cannot see.
func (d *DoubleBuffer[T]) Write(v T) {
	d.hidden = &v
}

// Read returns the visible value, or the zero value before the first Swap.
func (d *DoubleBuffer[T]) Read() T {
	if p := d.visible.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Swap publishes the written slot and hides the previously visible one.
func (d *DoubleBuffer[T]) Swap() {
	d.hidden = d.visible.Swap(d.hidden)
}

// Versioned holds an immutable value that is replaced as a whole.
// Every Store bumps the version, so readers can tell epochs apart.
type Versioned[T any] struct {
	p atomic.Pointer[entry[T]]
}

type entry[T any] struct {
	value   T
	version uint64
}

// Load returns the current value and its version (0 before the first Store).
func (s *Versioned[T]) Load() (T, uint64) {
	if e := s.p.Load(); e != nil {
		return e.value, e.version
	}
	var zero T
	return zero, 0
}

// Store replaces the value and returns its new version.
func (s *Versioned[T]) Store(v T) uint64 {
	for {
		old := s.p.Load()
		next := &entry[T]{value: v, version: 1}
		if old != nil {
			next.version = old.version + 1
		}
		if s.p.CompareAndSwap(old, next) {
			return next.version
		}
	}
}
