// Package capture provides a single-resolution future: a value that is set
// exactly once and can be observed either by blocking on Await or by
// attaching callbacks with OnDone.
package capture

import (
	"context"
	"sync"
)

type Capture[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	val       T
	err       error
	resolved  bool
	callbacks []func(T, error)
}

func New[T any]() *Capture[T] {
	return &Capture[T]{
		done: make(chan struct{}),
	}
}

// Resolve sets the capture's value. The first Resolve or Reject wins; later
// calls are no-ops and return false.
func (c *Capture[T]) Resolve(val T) bool {
	return c.set(val, nil)
}

// Reject fails the capture. The first Resolve or Reject wins; later calls
// are no-ops and return false.
func (c *Capture[T]) Reject(err error) bool {
	var zero T
	return c.set(zero, err)
}

func (c *Capture[T]) set(val T, err error) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.val = val
	c.err = err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(val, err)
	}
	return true
}

// Await blocks until the capture resolves or ctx is done. Any number of
// goroutines may Await the same capture; all observe the same outcome.
func (c *Capture[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.val, c.err
	}
}

// OnDone registers a callback invoked once with the capture's outcome. If the
// capture is already resolved the callback runs immediately on the calling
// goroutine; otherwise it runs on the resolver's goroutine and must not block
// for long.
func (c *Capture[T]) OnDone(fn func(T, error)) {
	c.mu.Lock()
	if c.resolved {
		val, err := c.val, c.err
		c.mu.Unlock()
		fn(val, err)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Capture[T]) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}
