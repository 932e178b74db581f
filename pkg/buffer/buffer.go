// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package buffer

import (
	"context"
	"sync"
	"sync/atomic"
)

// ClosedError is returned by reads on a closed and drained buffer and by
// writes on a closed buffer.
type ClosedError struct{}

// Error implements the error interface for ClosedError.
func (ClosedError) Error() string {
	return "buffer closed, no more items available"
}

// Reader is the consumption side of a Buffer.
type Reader[T any] interface {
	// Read waits for the next item. It returns ClosedError once the buffer is
	// closed and every queued item has been read.
	Read(ctx context.Context) (T, error)
	// TryRead returns the next item without waiting.
	TryRead() (T, bool)
	// C exposes the underlying receive channel. It is closed after Close.
	C() <-chan T
	// Drained is closed once the buffer is closed and empty.
	Drained() <-chan struct{}
	Len() int
	Cap() int
}

// Buffer is a fixed capacity FIFO with one writer and any number of readers.
// Close may be called once the writer is done or concurrently with it.
type Buffer[T any] struct {
	// items holds queued values in arrival order.
	items chan T
	// policy decides what happens to a write when items is full.
	policy Policy
	// done is closed by Close and releases a writer suspended under Block.
	done chan struct{}
	// drained is closed when the buffer is closed and no items remain.
	drained chan struct{}
	// mu keeps writes from racing with close(items).
	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	drainOnce sync.Once
	onDrop    func(T)
	dropped   atomic.Uint64
}

// Option configures a Buffer.
type Option[T any] func(*Buffer[T])

// WithDropHandler registers fn to receive every item discarded by the
// overflow policy. It runs on the writer's goroutine.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(b *Buffer[T]) { b.onDrop = fn }
}

// New creates a buffer holding at most capacity items. A capacity below one
// is raised to one.
func New[T any](capacity int, policy Policy, opts ...Option[T]) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	b := &Buffer[T]{
		items:   make(chan T, capacity),
		policy:  policy,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Write queues v according to the overflow policy. Under Block it waits for
// space and returns ClosedError if the buffer is closed in the meantime; the
// item is then discarded.
func (b *Buffer[T]) Write(v T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return ClosedError{}
	}

	select {
	case <-b.done:
		return ClosedError{}
	default:
	}

	switch b.policy {
	case DropNewest:
		select {
		case b.items <- v:
		default:
			b.drop(v)
		}

		return nil
	case DropOldest:
		for {
			select {
			case b.items <- v:
				return nil
			default:
			}

			select {
			case old := <-b.items:
				b.drop(old)
			default:
			}
		}
	default:
		select {
		case b.items <- v:
			return nil
		case <-b.done:
			return ClosedError{}
		}
	}
}

func (b *Buffer[T]) drop(v T) {
	b.dropped.Add(1)

	if b.onDrop != nil {
		b.onDrop(v)
	}
}

// Read waits for the next item or for ctx to end.
func (b *Buffer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	select {
	case v, ok := <-b.items:
		if !ok {
			b.markDrained()

			return zero, ClosedError{}
		}

		b.afterRead()

		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRead returns the next item if one is queued.
func (b *Buffer[T]) TryRead() (T, bool) {
	select {
	case v, ok := <-b.items:
		if !ok {
			b.markDrained()

			var zero T

			return zero, false
		}

		b.afterRead()

		return v, true
	default:
		var zero T

		return zero, false
	}
}

func (b *Buffer[T]) afterRead() {
	if b.closed.Load() && len(b.items) == 0 {
		b.markDrained()
	}
}

func (b *Buffer[T]) markDrained() {
	b.drainOnce.Do(func() {
		close(b.drained)
	})
}

// C exposes the receive side of the buffer.
func (b *Buffer[T]) C() <-chan T {
	return b.items
}

// Close stops accepting writes. Queued items stay readable until drained.
func (b *Buffer[T]) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.closed.Store(true)
		close(b.items)
		b.mu.Unlock()

		if len(b.items) == 0 {
			b.markDrained()
		}
	})
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Drained is closed once the buffer is closed and empty.
func (b *Buffer[T]) Drained() <-chan struct{} {
	return b.drained
}

// Wait blocks until the buffer is drained or ctx ends.
func (b *Buffer[T]) Wait(ctx context.Context) error {
	select {
	case <-b.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return cap(b.items)
}

// Dropped returns how many items the overflow policy discarded.
func (b *Buffer[T]) Dropped() uint64 {
	return b.dropped.Load()
}
