package events

import (
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker streams events to live subscribers. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	key model.WorkerKey
	ch  chan model.WorkerEvent
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving events for key, or for every worker
// when key is empty, and an unsubscribe function. After Close the returned
// channel is already closed.
func (b *Broker) Subscribe(key model.WorkerKey) (<-chan model.WorkerEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.WorkerEvent, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{key: key, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Publish sends ev to every matching subscriber. Events are dropped for
// subscribers whose buffers are full.
func (b *Broker) Publish(ev model.WorkerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.key != "" && s.key != ev.WorkerKey {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			subscribersDropped.Inc()
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel and later events are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
