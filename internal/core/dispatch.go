package core

import "sync"

// Dispatcher delivers values to fn on its own goroutine in push order, so
// a slow listener never blocks the writer that notifies it.
type Dispatcher[T any] struct {
	in   *Inbox[T]
	fn   func(T)
	stop chan struct{}
	once sync.Once
}

func NewDispatcher[T any](fn func(T)) *Dispatcher[T] {
	d := &Dispatcher[T]{
		in:   NewInbox[T](),
		fn:   fn,
		stop: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher[T]) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.in.Ready():
			for _, v := range d.in.Drain() {
				select {
				case <-d.stop:
					return
				default:
				}
				d.fn(v)
			}
		}
	}
}

func (d *Dispatcher[T]) Push(v T) { d.in.Push(v) }

// Close stops delivery; values still queued are dropped.
func (d *Dispatcher[T]) Close() {
	d.once.Do(func() {
		d.in.Close()
		close(d.stop)
	})
}
