// Package buffers implements a generic, fixed-capacity ring buffer with
// monotonically increasing ids and long-poll tailing support.
package buffers

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity circular buffer of entries with
// monotonic, never-reused ids starting at 1. Entries are evicted in
// FIFO order once capacity is reached. Multiple readers may maintain
// independent cursor positions; multiple waiters may long-poll for the
// next matching entry.
type RingBuffer[T any] struct {
	mu sync.RWMutex

	entries  []T
	ids      []uint64
	capacity int

	nextID uint64 // id to assign to the next appended entry
	head   int    // index the next write lands on once full

	waiters []*waiter[T]
}

type waiter[T any] struct {
	after  uint64
	filter func(T) bool
	limit  int
	ch     chan []T
	done   bool
}

// New creates a RingBuffer with the given capacity. Capacity must be
// at least 1.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		ids:      make([]uint64, 0, capacity),
		capacity: capacity,
	}
}

// Append assigns the next id to entry, stores it (evicting the oldest
// entry if at capacity), and wakes every waiter whose filter matches.
// Returns the assigned id.
func (rb *RingBuffer[T]) Append(entry T) uint64 {
	return rb.AppendFunc(func(uint64) T { return entry })
}

// AppendFunc assigns the next id, calls build with that id to produce
// the entry to store (so callers can stamp their own id field before
// the entry ever becomes visible to a reader), stores it, and wakes
// every waiter whose filter matches. Returns the assigned id.
func (rb *RingBuffer[T]) AppendFunc(build func(id uint64) T) uint64 {
	rb.mu.Lock()

	rb.nextID++
	id := rb.nextID
	entry := build(id)

	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
		rb.ids = append(rb.ids, id)
	} else {
		rb.entries[rb.head] = entry
		rb.ids[rb.head] = id
		rb.head = (rb.head + 1) % rb.capacity
	}

	ready := rb.wakeLocked(entry, id)
	rb.mu.Unlock()

	for _, w := range ready {
		w.ch <- w.result
	}
	return id
}

// readyWaiter pairs a satisfied waiter's delivery channel with the
// entries to deliver to it.
type readyWaiter[T any] struct {
	ch     chan []T
	result []T
}

// wakeLocked scans registered waiters (FIFO, oldest subscription
// first) and returns those satisfied by the newly appended entry,
// removing them from the waiter list. Must be called with mu held.
func (rb *RingBuffer[T]) wakeLocked(entry T, id uint64) []readyWaiter[T] {
	var ready []readyWaiter[T]
	remaining := rb.waiters[:0]
	for _, w := range rb.waiters {
		if w.done {
			continue
		}
		if id > w.after && (w.filter == nil || w.filter(entry)) {
			w.done = true
			ready = append(ready, readyWaiter[T]{ch: w.ch, result: []T{entry}})
			continue
		}
		remaining = append(remaining, w)
	}
	rb.waiters = remaining
	return ready
}

// SnapshotAfter returns up to limit entries with id > cursor matching
// filter, in ascending id order. If cursor is older than the oldest
// resident entry, results start from the oldest resident entry — the
// caller can detect the gap because the first returned id will be
// greater than cursor+1. limit<=0 means unbounded.
func (rb *RingBuffer[T]) SnapshotAfter(cursor uint64, filter func(T) bool, limit int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.snapshotAfterLocked(cursor, filter, limit)
}

func (rb *RingBuffer[T]) snapshotAfterLocked(cursor uint64, filter func(T) bool, limit int) []T {
	n := len(rb.entries)
	if n == 0 {
		return nil
	}

	oldestIdx := rb.oldestIndexLocked()
	var out []T
	for i := 0; i < n; i++ {
		idx := (oldestIdx + i) % rb.capacity
		if len(rb.entries) < rb.capacity {
			idx = i
		}
		id := rb.ids[idx]
		if id <= cursor {
			continue
		}
		entry := rb.entries[idx]
		if filter != nil && !filter(entry) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// oldestIndexLocked returns the buffer index of the oldest resident
// entry. Must be called with at least a read lock held.
func (rb *RingBuffer[T]) oldestIndexLocked() int {
	if len(rb.entries) < rb.capacity {
		return 0
	}
	return rb.head
}

// WaitResult is returned by WaitForAfter.
type WaitResult[T any] struct {
	Entries  []T
	TimedOut bool
}

// WaitForAfter returns immediately if a matching entry with id > cursor
// already exists; otherwise it registers a waiter and blocks until
// either a matching entry arrives or timeout elapses, or ctx-like
// cancellation is signalled via cancel. Cancellation deregisters the
// waiter so closed HTTP connections don't leak waiters.
func (rb *RingBuffer[T]) WaitForAfter(cursor uint64, filter func(T) bool, limit int, timeout time.Duration, cancel <-chan struct{}) WaitResult[T] {
	rb.mu.Lock()
	existing := rb.snapshotAfterLocked(cursor, filter, limit)
	if len(existing) > 0 {
		rb.mu.Unlock()
		return WaitResult[T]{Entries: existing}
	}

	w := &waiter[T]{after: cursor, filter: filter, limit: limit, ch: make(chan []T, 1)}
	rb.waiters = append(rb.waiters, w)
	rb.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entries := <-w.ch:
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		return WaitResult[T]{Entries: entries}
	case <-timer.C:
		rb.deregister(w)
		return WaitResult[T]{Entries: []T{}, TimedOut: true}
	case <-cancel:
		rb.deregister(w)
		return WaitResult[T]{Entries: []T{}, TimedOut: true}
	}
}

// deregister removes w from the waiter list if it hasn't already fired.
func (rb *RingBuffer[T]) deregister(w *waiter[T]) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i, cand := range rb.waiters {
		if cand == w {
			rb.waiters = append(rb.waiters[:i], rb.waiters[i+1:]...)
			return
		}
	}
}

// Len returns the number of entries currently resident.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// LastID returns the id of the most recently appended entry, or 0 if
// the buffer is empty.
func (rb *RingBuffer[T]) LastID() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.nextID
}
