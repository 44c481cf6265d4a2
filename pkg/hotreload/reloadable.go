package hotreload

import (
	"sync"
	"sync/atomic"
)

// Reloadable holds a value that can be replaced atomically while readers
// continue to use the previous one.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// Swap atomically swaps the value and returns the old one.
func (r *Reloadable[T]) Swap(new *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value.Swap(new)
	r.version.Add(1)
	return old
}

// Version returns the current version number (incremented on each swap).
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}
