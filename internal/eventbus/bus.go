// Package eventbus provides a non-blocking broadcast bus. Adapters
// publish dispatched events to subscribers (the host's matchers, test
// harnesses); slow subscribers miss events rather than blocking the
// connection read loops. The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package eventbus

import "sync"

// Bus is a generic broadcast bus. Subscribers receive values on buffered
// channels.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[chan T]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan T]chan T
}

// New creates a bus ready for use.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs:       make(map[chan T]struct{}),
		recvToSend: make(map[<-chan T]chan T),
	}
}

// Publish sends v to all subscribers. Non-blocking: if a subscriber's
// channel is full, the value is dropped for that subscriber. Safe to
// call on a nil receiver (no-op).
func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel receiving published values. The caller
// must eventually call Unsubscribe to avoid resource leaks. bufSize
// controls the channel buffer.
func (b *Bus[T]) Subscribe(bufSize int) <-chan T {
	ch := make(chan T, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
