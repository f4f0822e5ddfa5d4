package broker

import (
	"sync"
	"time"

	"github.com/cometwire/halley/pkg/bayeux"
)

// Listener signatures for broker and channel events. The timeout flag on
// removal is true when the sweeper reclaimed the session rather than the
// client disconnecting.
type (
	// SessionAddedListener observes sessions entering the registry.
	SessionAddedListener func(s *Session)
	// SessionRemovedListener observes sessions leaving the registry.
	SessionRemovedListener func(s *Session, timeout bool)
	// ChannelAddedListener observes channel creation.
	ChannelAddedListener func(c *Channel)
	// ChannelRemovedListener observes channel sweep removal.
	ChannelRemovedListener func(c *Channel)
	// SubscriptionListener observes subscribe/unsubscribe commits.
	SubscriptionListener func(s *Session, c *Channel)
	// SuspendedListener observes a /meta/connect being held.
	SuspendedListener func(s *Session, connect *bayeux.Message, timeout time.Duration)
	// ResumedListener observes a held /meta/connect completing; timedOut is
	// true when the hold expired rather than being woken by a message.
	ResumedListener func(s *Session, connect *bayeux.Message, timedOut bool)
	// MessageListener observes a message traversing a channel before
	// delivery. Returning false vetoes the publish.
	MessageListener func(sender *Session, c *Channel, m *bayeux.Message) bool
)

// listenerList is an ordered callback registry. Each add returns a remove
// handle; iteration works on a snapshot so callbacks may remove themselves.
type listenerList[T any] struct {
	mu     sync.Mutex
	nextID int
	items  []listenerItem[T]
}

type listenerItem[T any] struct {
	id int
	fn T
}

func (l *listenerList[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listenerItem[T]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *listenerList[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		if item.id == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// snapshot returns the registered callbacks in registration order.
func (l *listenerList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return nil
	}
	out := make([]T, len(l.items))
	for i, item := range l.items {
		out[i] = item.fn
	}
	return out
}

func (l *listenerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
