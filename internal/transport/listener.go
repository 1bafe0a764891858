package transport

import (
	"errors"
	"net"
	"sync"
)

// ErrListenerClosed is returned by Deliver and Accept once the listener has
// been closed.
var ErrListenerClosed = errors.New("transport listener closed")

// Listener is an in-process net.Listener fed by Deliver. The engine serves
// HTTP on it; the worker hands it the server side of every socket pair.
// Delivered connections are accepted in delivery order.
type Listener struct {
	addr net.Addr

	mu      sync.Mutex
	pending []net.Conn
	closed  bool

	ready chan struct{} // cap 1; signalled when pending becomes non-empty
	done  chan struct{}
}

var _ net.Listener = (*Listener)(nil)

// NewListener returns an open listener reporting name as its address.
func NewListener(name string) *Listener {
	return &Listener{
		addr:  &net.UnixAddr{Name: name, Net: "unix"},
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Deliver queues conn for Accept. It never blocks. After Close it returns
// ErrListenerClosed and the caller keeps ownership of conn.
func (l *Listener) Deliver(conn net.Conn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.pending = append(l.pending, conn)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return nil
}

// Accept returns the next delivered connection.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrListenerClosed
		}
		if len(l.pending) > 0 {
			conn := l.pending[0]
			l.pending[0] = nil
			l.pending = l.pending[1:]
			more := len(l.pending) > 0
			l.mu.Unlock()
			if more {
				select {
				case l.ready <- struct{}{}:
				default:
				}
			}
			return conn, nil
		}
		l.mu.Unlock()

		select {
		case <-l.ready:
		case <-l.done:
		}
	}
}

// Close stops the listener and closes every connection not yet accepted.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	close(l.done)
	for _, c := range pending {
		c.Close()
	}
	return nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr { return l.addr }
