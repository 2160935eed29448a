// Package authstate fans out identity provider auth-state changes to subscribers.
package authstate

import (
	"context"
	"sync"

	"marketplace-session/internal/domain"
)

const subscriberBuffer = 16

type subscriber struct {
	ch   chan domain.AuthStateChange
	done <-chan struct{}
}

// Broadcaster delivers every published change to every subscriber in publish order.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber until ctx is done, then closes the channel.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan domain.AuthStateChange {
	sub := &subscriber{
		ch:   make(chan domain.AuthStateChange, subscriberBuffer),
		done: ctx.Done(),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// Publish sends change to all subscribers. It blocks while a subscriber's
// buffer is full, unless that subscriber goes away.
func (b *Broadcaster) Publish(change domain.AuthStateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- change:
		case <-sub.done:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
