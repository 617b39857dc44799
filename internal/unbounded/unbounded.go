// Package unbounded provides a channel that never blocks its producer: a
// goroutine shuttles values from an input channel to an output channel,
// parking overflow in a backlog slice in between.
package unbounded

import "sync"

type Chan[T any] struct {
	in        chan T
	out       chan T
	closeCh   chan struct{}
	closeOnce sync.Once
}

func New[T any]() *Chan[T] {
	c := &Chan[T]{
		in:      make(chan T),
		out:     make(chan T),
		closeCh: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Chan[T]) run() {
	defer close(c.out)

	var backlog []T
	for {
		outCh := (chan T)(nil)
		var head T
		if len(backlog) > 0 {
			outCh = c.out
			head = backlog[0]
		}

		select {
		case v := <-c.in:
			backlog = append(backlog, v)
		case outCh <- head:
			backlog = backlog[1:]
		case <-c.closeCh:
			// pending backlog is dropped; abandoned in-flight values
			// cannot corrupt anything the consumer still sees.
			return
		}
	}
}

// Push enqueues v. It never blocks on the consumer; it reports false once
// the channel is closed.
func (c *Chan[T]) Push(v T) bool {
	// checked separately first so that a push after close never wins the
	// race against the draining goroutine's own select
	select {
	case <-c.closeCh:
		return false
	default:
	}

	select {
	case <-c.closeCh:
		return false
	case c.in <- v:
		return true
	}
}

// Out is the receive side; it is closed by Close.
func (c *Chan[T]) Out() <-chan T {
	return c.out
}

// Close tears the channel down. Safe to call more than once.
func (c *Chan[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}
