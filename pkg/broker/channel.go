package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/cometwire/halley/pkg/bayeux"
)

// ErrNotBroadcast is returned by Channel.Publish for meta, service, and
// wildcard channels, which cannot be published to directly.
var ErrNotBroadcast = errors.New("channel does not broadcast")

// Channel is a node in the channel space: it holds the subscriber set and
// the server-side listeners attached to its name. Channels are created on
// first reference and swept away once nothing holds on to them; the five
// meta channels exist from broker initialization and are never swept.
type Channel struct {
	broker *Broker
	name   bayeux.ChannelName

	subscribers subscriberSet

	subscribedListeners   listenerList[SubscriptionListener]
	unsubscribedListeners listenerList[SubscriptionListener]
	messageListeners      listenerList[MessageListener]
}

func newChannel(b *Broker, name bayeux.ChannelName) *Channel {
	return &Channel{
		broker:      b,
		name:        name,
		subscribers: subscriberSet{sessions: make(map[string]*Session)},
	}
}

// Name returns the channel's absolute path.
func (c *Channel) Name() bayeux.ChannelName { return c.name }

// IsMeta reports whether this is a /meta/ control channel.
func (c *Channel) IsMeta() bool { return c.name.IsMeta() }

// IsService reports whether this is a directed /service/ channel.
func (c *Channel) IsService() bool { return c.name.IsService() }

// OnSubscribed registers a callback fired when a session subscribes here.
func (c *Channel) OnSubscribed(fn SubscriptionListener) func() {
	return c.subscribedListeners.add(fn)
}

// OnUnsubscribed registers a callback fired when a session unsubscribes.
func (c *Channel) OnUnsubscribed(fn SubscriptionListener) func() {
	return c.unsubscribedListeners.add(fn)
}

// OnMessage registers a callback observing every message traversing this
// channel name, including via wildcard matching. Returning false vetoes the
// publish.
func (c *Channel) OnMessage(fn MessageListener) func() {
	return c.messageListeners.add(fn)
}

// Subscribers returns a snapshot of the sessions subscribed to this channel.
func (c *Channel) Subscribers() []*Session { return c.subscribers.snapshot() }

// SubscriberCount returns the current number of subscribers.
func (c *Channel) SubscriberCount() int { return c.subscribers.len() }

// Publish enters data into the broker pipeline as a server-side publish on
// this channel. Only broadcast channels accept publishes; meta, service, and
// wildcard channels return ErrNotBroadcast.
func (c *Channel) Publish(ctx context.Context, sender *Session, data any) error {
	if !c.name.IsBroadcast() || c.name.IsWild() {
		return ErrNotBroadcast
	}
	m := &bayeux.Message{Channel: c.name, Data: data}
	return c.broker.publish(ctx, sender, c, m, false)
}

// subscribe adds the session to the subscriber set. Meta channels and
// sessions that have not completed a handshake are refused.
func (c *Channel) subscribe(s *Session) bool {
	if c.IsMeta() || !s.IsHandshaken() {
		return false
	}
	if !c.subscribers.add(s) {
		return true // already subscribed
	}
	s.addSubscription(c)
	for _, fn := range c.subscribedListeners.snapshot() {
		fn(s, c)
	}
	c.broker.fireSubscribed(s, c)
	return true
}

// unsubscribe removes the session from the subscriber set. Idempotent.
func (c *Channel) unsubscribe(s *Session) {
	if !c.subscribers.remove(s) {
		return
	}
	s.removeSubscription(c)
	for _, fn := range c.unsubscribedListeners.snapshot() {
		fn(s, c)
	}
	c.broker.fireUnsubscribed(s, c)
}

// sweepable reports whether the sweeper may reclaim this channel: non-meta,
// no subscribers, no listeners of any kind.
func (c *Channel) sweepable() bool {
	if c.IsMeta() {
		return false
	}
	return c.subscribers.len() == 0 &&
		c.subscribedListeners.len() == 0 &&
		c.unsubscribedListeners.len() == 0 &&
		c.messageListeners.len() == 0
}

// subscriberSet is the mutex-guarded session set of one channel, keyed by
// session id.
type subscriberSet struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// add returns false when the session was already present.
func (ss *subscriberSet) add(s *Session) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.sessions[s.ID()]; ok {
		return false
	}
	ss.sessions[s.ID()] = s
	return true
}

// remove returns false when the session was not present.
func (ss *subscriberSet) remove(s *Session) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.sessions[s.ID()]; !ok {
		return false
	}
	delete(ss.sessions, s.ID())
	return true
}

func (ss *subscriberSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

func (ss *subscriberSet) snapshot() []*Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*Session, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		out = append(out, s)
	}
	return out
}
