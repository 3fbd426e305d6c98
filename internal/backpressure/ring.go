// Package backpressure implements the executor's Back-Pressure & Buffer
// Policy (C7): a per-stream bounded ring that blocks producers once full
// instead of growing unbounded, so a fast-producer/slow-consumer pair never
// accumulates unbounded memory (spec.md §4.7).
package backpressure

import (
	"context"
	"sync"
)

// Sized is implemented by whatever unit a Ring buffers; NumBytes drives the
// byte-capacity accounting rather than item count.
type Sized interface {
	NumBytes() int
}

// Ring is a bounded, byte-accounted FIFO queue. Push blocks once the queue
// holds maxBytes worth of items until Pull drains some; Pull blocks until an
// item is available or the ring is closed. It is the producer-side
// mechanism spec.md §4.1 calls "pause reads on that stream until the sink
// drains" — callers block their read loop inside Push, not by polling.
type Ring[T Sized] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	bytes    int64
	maxBytes int64
	closed   bool
}

// NewRing creates a ring bounded at maxBytes (spec's STREAM_BUFFER_BYTES).
func NewRing[T Sized](maxBytes int64) *Ring[T] {
	r := &Ring[T]{maxBytes: maxBytes}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Push enqueues an item, blocking while the ring is at capacity. It returns
// ctx.Err() if ctx is cancelled while blocked, and an error if the ring has
// been closed.
func (r *Ring[T]) Push(ctx context.Context, item T) error {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				r.mu.Lock()
				r.notFull.Broadcast()
				r.mu.Unlock()
			case <-done:
			}
		}()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.closed && r.bytes >= r.maxBytes {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		r.notFull.Wait()
	}
	if r.closed {
		return errClosed
	}
	r.items = append(r.items, item)
	r.bytes += int64(item.NumBytes())
	r.notEmpty.Signal()
	return nil
}

// Pull dequeues the next item, blocking until one is available or the ring
// is closed and drained (ok=false).
func (r *Ring[T]) Pull() (item T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.items) == 0 && !r.closed {
		r.notEmpty.Wait()
	}
	if len(r.items) == 0 {
		return item, false
	}
	item = r.items[0]
	r.items = r.items[1:]
	r.bytes -= int64(item.NumBytes())
	r.notFull.Signal()
	return item, true
}

// Close marks the ring closed; blocked Push calls return errClosed and
// blocked Pull calls drain remaining items then return ok=false.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

// Len reports the current queued byte count, for SEND_HIGH_WATER checks by
// a consumer that wants to pause draining both streams at once.
func (r *Ring[T]) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

type ringClosedError struct{}

func (ringClosedError) Error() string { return "backpressure: ring closed" }

var errClosed error = ringClosedError{}
