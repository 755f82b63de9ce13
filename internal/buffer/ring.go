// Package buffer provides a typed, goroutine-safe bounded FIFO.
package buffer

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// Ring keeps the most recent Cap() items, evicting the oldest on overflow.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  *queue.CircularBuffer
	size int
}

// New returns a ring holding at most size items. size must be positive.
func New[T any](size int) (*Ring[T], error) {
	buf, err := queue.NewCircularBuffer(size)
	if err != nil {
		return nil, err
	}
	return &Ring[T]{buf: buf, size: size}, nil
}

// Push appends v, dropping the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf.Add(v)
	r.mu.Unlock()
}

// List returns a copy of the contents, oldest first.
func (r *Ring[T]) List() []T {
	r.mu.RLock()
	items := r.buf.List()
	r.mu.RUnlock()

	out := make([]T, 0, len(items))
	for _, it := range items {
		out = append(out, it.(T))
	}
	return out
}

// Newest returns the contents newest first.
func (r *Ring[T]) Newest() []T {
	out := r.List()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the most recently pushed item.
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.buf.Total() == 0 {
		return zero, false
	}
	return r.buf.Latest().(T), true
}

// Len returns the number of items currently held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.buf.Total(); t < r.size {
		return t
	}
	return r.size
}

// Cap returns the maximum number of items held.
func (r *Ring[T]) Cap() int { return r.size }

// Total returns how many items were ever pushed.
func (r *Ring[T]) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Total()
}
