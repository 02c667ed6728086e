// Package bus provides the typed FIFO channels connecting the UI, relay and page contexts.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("bus: channel closed")

// DefaultBuffer is the capacity used by NewChannel when size <= 0.
const DefaultBuffer = 64

// Channel is a one-directional, buffered, order-preserving message channel.
// Any number of senders may share it; a single consumer reads Receive.
type Channel[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// NewChannel creates a channel with the given buffer size.
func NewChannel[T any](size int) *Channel[T] {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Channel[T]{ch: make(chan T, size)}
}

// Send enqueues msg. It blocks only while the buffer is full, and gives up
// when ctx is done.
func (c *Channel[T]) Send(ctx context.Context, msg T) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the consumer side of the channel.
func (c *Channel[T]) Receive() <-chan T {
	return c.ch
}

// Len reports the number of queued messages.
func (c *Channel[T]) Len() int {
	return len(c.ch)
}

// Close stops the channel. Pending messages can still be drained.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
