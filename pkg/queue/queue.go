// Package queue implements a bounded single-producer/single-consumer
// message queue: it sits between the playback engine's
// storage-loading producer and its publish consumer.
package queue

import (
	"sync"

	"github.com/novatechflow/bagtransport/pkg/bag"
)

// Queue is a slice-backed SPSC FIFO of bag.SerializedMessage whose
// capacity the producer checks before enqueueing (see Enqueue). All
// methods use a mutex rather than lock-free tricks — at the message
// rates this subsystem targets a mutex is not the bottleneck. Peek is
// safe to call from the single consumer while the single producer
// concurrently enqueues.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []bag.SerializedMessage
}

// New creates a queue with the given upper bound on buffered
// messages. A non-positive capacity is clamped to 1.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, items: make([]bag.SerializedMessage, 0, capacity)}
}

// Enqueue appends a message. Producer-only. It does not block or
// reject once full — callers are expected to check SizeApprox before
// calling, as the player's producer loop does.
func (q *Queue) Enqueue(msg bag.SerializedMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// Peek returns a copy of the head message without removing it, or ok
// == false if the queue is empty. Consumer-only.
func (q *Queue) Peek() (bag.SerializedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return bag.SerializedMessage{}, false
	}
	return q.items[0], true
}

// Pop removes the head message, returning false if the queue was
// empty. Ordinarily consumer-only; the player has two exceptions.
// Seek drains the queue while holding the reader mutex, and the
// consumer pops only through a seek-generation check that fails once
// a Seek has run since it peeked. PlayNext pops only while playback is
// paused, when the consumer loop does not pop.
func (q *Queue) Pop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return false
	}
	q.items = q.items[1:]
	return true
}

// SizeApprox returns the current length. Either side may call it; the
// result is a snapshot and may be stale by the time the caller acts
// on it.
func (q *Queue) SizeApprox() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured upper bound N.
func (q *Queue) Capacity() int {
	return q.capacity
}
