// Package queue implements an unbounded multi-producer, multi-consumer FIFO
// (Michael and Scott) on top of sync/atomic.
//
// Every link (head, tail, and each node's next) is an atomic pointer to an
// immutable ref that pairs a node with a generation counter. A swing installs
// a new ref with the generation incremented, and CompareAndSwap compares the
// ref itself, so a stale observation never matches even when the same node
// comes around again.
package queue

import "sync/atomic"

type node[T any] struct {
	value T
	next  atomic.Pointer[ref[T]]
}

type ref[T any] struct {
	node *node[T]
	gen  uint64
}

type Queue[T any] struct {
	head   atomic.Pointer[ref[T]]
	tail   atomic.Pointer[ref[T]]
	length atomic.Int64
}

func New[T any]() *Queue[T] {
	sentinel := newNode[T]()
	q := &Queue[T]{}
	q.head.Store(&ref[T]{node: sentinel})
	q.tail.Store(&ref[T]{node: sentinel})
	return q
}

func newNode[T any]() *node[T] {
	n := &node[T]{}
	n.next.Store(&ref[T]{})
	return n
}

// Enqueue never blocks and always succeeds.
func (q *Queue[T]) Enqueue(v T) {
	n := newNode[T]()
	n.value = v

	for {
		tail := q.tail.Load()
		next := tail.node.next.Load()

		if tail != q.tail.Load() {
			continue
		}

		if next.node == nil {
			if tail.node.next.CompareAndSwap(next, &ref[T]{node: n, gen: next.gen + 1}) {
				q.tail.CompareAndSwap(tail, &ref[T]{node: n, gen: tail.gen + 1})
				break
			}
		} else {
			// tail is lagging; help move it before retrying
			q.tail.CompareAndSwap(tail, &ref[T]{node: next.node, gen: tail.gen + 1})
		}
	}

	q.length.Add(1)
}

// Dequeue returns the oldest value, or false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.node.next.Load()

		if head != q.head.Load() {
			continue
		}

		if head.node == tail.node {
			if next.node == nil {
				var zero T
				return zero, false
			}
			q.tail.CompareAndSwap(tail, &ref[T]{node: next.node, gen: tail.gen + 1})
			continue
		}

		v := next.node.value
		if q.head.CompareAndSwap(head, &ref[T]{node: next.node, gen: head.gen + 1}) {
			q.length.Add(-1)
			return v, true
		}
	}
}

// Len is approximate under concurrent use and meant for diagnostics.
func (q *Queue[T]) Len() int64 {
	return q.length.Load()
}

func (q *Queue[T]) IsEmpty() bool {
	head := q.head.Load()
	return head.node.next.Load().node == nil
}

// Drain dequeues until empty, calling fn for each value, and returns the
// number of values consumed.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.Dequeue()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}
