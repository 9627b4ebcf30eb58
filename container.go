package jobqueue

import "sync/atomic"

// container is an unbounded lock-free multi-producer/multi-consumer FIFO
// (Michael & Scott). Pushes from one goroutine are popped in order; there is
// no order across goroutines beyond what the atomics establish.
type container[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	size atomic.Int64
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func newContainer[T any]() *container[T] {
	c := &container[T]{}
	sentinel := &node[T]{}
	c.head.Store(sentinel)
	c.tail.Store(sentinel)
	return c
}

// push appends v. It never blocks.
func (c *container[T]) push(v T) {
	n := &node[T]{value: v}
	c.size.Add(1)
	for {
		tail := c.tail.Load()
		next := tail.next.Load()
		if tail != c.tail.Load() {
			continue
		}
		if next != nil {
			// tail is lagging, help it along
			c.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			c.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

// pop removes the oldest value. ok is false when the container is empty.
func (c *container[T]) pop() (v T, ok bool) {
	for {
		head := c.head.Load()
		tail := c.tail.Load()
		next := head.next.Load()
		if head != c.head.Load() {
			continue
		}
		if next == nil {
			return v, false
		}
		if head == tail {
			c.tail.CompareAndSwap(tail, next)
			continue
		}
		// next becomes the new sentinel; its value stays reachable until the
		// following pop, other poppers may still be reading it.
		v = next.value
		if c.head.CompareAndSwap(head, next) {
			c.size.Add(-1)
			return v, true
		}
	}
}

// len is exact when no push or pop is in flight.
func (c *container[T]) len() int {
	return int(max(c.size.Load(), 0))
}
