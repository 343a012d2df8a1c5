package core

import "sync"

// Inbox is an unbounded FIFO with a single consumer. Push never blocks, so
// callbacks from engines and transports can post into an actor without
// risking a deadlock against the actor's own calls.
type Inbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func NewInbox[T any]() *Inbox[T] {
	return &Inbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends v; it reports false once the inbox is closed.
func (in *Inbox[T]) Push(v T) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.items = append(in.items, v)
	in.mu.Unlock()
	select {
	case in.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready fires after at least one Push since the last Drain.
func (in *Inbox[T]) Ready() <-chan struct{} { return in.ready }

// Drain takes every queued item in push order.
func (in *Inbox[T]) Drain() []T {
	in.mu.Lock()
	defer in.mu.Unlock()
	items := in.items
	in.items = nil
	return items
}

// Close rejects further pushes and returns what was still queued.
func (in *Inbox[T]) Close() []T {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	items := in.items
	in.items = nil
	return items
}

// Len reports the number of queued items.
func (in *Inbox[T]) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}
