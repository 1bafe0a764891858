// Package mailbox provides an unbounded FIFO queue with a single consumer,
// used as the inbox of actor-style goroutines. Senders never block.
package mailbox

import "sync"

// Mailbox is an unbounded multi-producer, single-consumer queue.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // cap 1; signalled on send and close
}

// New creates an open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Send enqueues v. It reports false, dropping v, once the mailbox is closed.
func (m *Mailbox[T]) Send(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Receive blocks until an item is available. It returns false once the
// mailbox is closed and every item queued before Close has been received.
func (m *Mailbox[T]) Receive() (T, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		if m.closed {
			m.mu.Unlock()
			var zero T
			return zero, false
		}
		m.mu.Unlock()
		<-m.ready
	}
}

// Close stops accepting items. Items already queued remain receivable.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// CloseAndDrain closes the mailbox and returns every queued item, leaving
// nothing for Receive.
func (m *Mailbox[T]) CloseAndDrain() []T {
	m.mu.Lock()
	m.closed = true
	items := m.items
	m.items = nil
	m.mu.Unlock()
	m.signal()
	return items
}

// Len reports the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
