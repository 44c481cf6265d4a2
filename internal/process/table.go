package process

import (
	"context"
	"sync"
)

// Table caches process names for one listing so that parent lookups made by
// several handles in the same tick resolve each parent pid at most once.
type Table struct {
	mu     sync.Mutex
	names  map[int]tableEntry
	lookup func(ctx context.Context, pid int) (string, error)
}

type tableEntry struct {
	name string
	err  error
}

// NewTable creates a table that resolves unknown pids with lookup.
func NewTable(lookup func(ctx context.Context, pid int) (string, error)) *Table {
	return &Table{
		names:  make(map[int]tableEntry),
		lookup: lookup,
	}
}

// Remember records a name already read for pid.
func (t *Table) Remember(pid int, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[pid] = tableEntry{name: name}
}

// Name returns the name of pid, resolving and caching it on first use.
// Failures are cached too.
func (t *Table) Name(ctx context.Context, pid int) (string, error) {
	if pid <= 0 {
		return "", ErrNotFound
	}

	t.mu.Lock()
	e, ok := t.names[pid]
	t.mu.Unlock()
	if ok {
		return e.name, e.err
	}

	if t.lookup == nil {
		return "", ErrNotFound
	}
	name, err := t.lookup(ctx, pid)
	if Classify(err) == StatusTimeout {
		// Do not pin a transient timeout for the rest of the tick.
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.names[pid]; ok {
		return e.name, e.err
	}
	t.names[pid] = tableEntry{name: name, err: err}
	return name, err
}

// Len returns the number of cached entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.names)
}
