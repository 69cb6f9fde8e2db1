package gateway

import (
	"sync"
	"time"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Frame
	done chan struct{}
}

// EventBus fans frames out to every connected client. Publish never blocks:
// a subscriber whose buffer is full misses the frame.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[*subscriber]struct{})}
}

// Publish sends f to all subscribers.
func (eb *EventBus) Publish(f Frame) {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- f:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned done channel identifies it
// to Unsubscribe, which the caller must call.
func (eb *EventBus) Subscribe() (<-chan Frame, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Frame, subscriberBuffer),
		done: make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// SubscriberCount returns the number of subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}
