// Package broker implements the core of a Bayeux long-polling server: the
// session and channel registries, the message-processing pipeline with its
// extension chains and security policy, the /meta/connect hold scheduler,
// and the periodic sweeper that reclaims expired sessions and idle channels.
// Transports sit on top; the broker never touches HTTP.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/config"
)

// ErrClosed is returned when the broker is used after Close.
var ErrClosed = errors.New("broker is closed")

// Broker is the aggregate root of one Bayeux server. There is no
// process-wide state: everything hangs off the Broker instance, so several
// brokers can coexist in one process.
type Broker struct {
	opts   *config.Options
	logger *slog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	channelsMu sync.RWMutex
	channels   map[bayeux.ChannelName]*Channel

	browsers *browserRegistry

	extensions listenerList[Extension]

	policyMu sync.RWMutex
	policy   *SecurityPolicy

	sessionAddedListeners   listenerList[SessionAddedListener]
	sessionRemovedListeners listenerList[SessionRemovedListener]
	channelAddedListeners   listenerList[ChannelAddedListener]
	channelRemovedListeners listenerList[ChannelRemovedListener]
	subscribedListeners     listenerList[SubscriptionListener]
	unsubscribedListeners   listenerList[SubscriptionListener]
	suspendedListeners      listenerList[SuspendedListener]
	resumedListeners        listenerList[ResumedListener]

	heldConnects atomic.Int64

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closed      bool
}

// New creates a broker with the five meta channels pre-registered. A nil
// opts uses the defaults; a nil logger uses slog's default. The sweeper does
// not run until Start.
func New(opts *config.Options, logger *slog.Logger) *Broker {
	if opts == nil {
		opts = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		opts:     opts,
		logger:   logger.With("component", "broker"),
		sessions: make(map[string]*Session),
		channels: make(map[bayeux.ChannelName]*Channel),
		browsers: newBrowserRegistry(),
	}
	for _, name := range []bayeux.ChannelName{
		bayeux.MetaHandshake,
		bayeux.MetaConnect,
		bayeux.MetaSubscribe,
		bayeux.MetaUnsubscribe,
		bayeux.MetaDisconnect,
	} {
		b.channels[name] = newChannel(b, name)
	}
	return b
}

// Options returns the broker's configuration.
func (b *Broker) Options() *config.Options { return b.opts }

// SetSecurityPolicy installs the authorization policy. A nil policy permits
// everything.
func (b *Broker) SetSecurityPolicy(p *SecurityPolicy) {
	b.policyMu.Lock()
	defer b.policyMu.Unlock()
	b.policy = p
}

// Policy returns the installed security policy, possibly nil.
func (b *Broker) Policy() *SecurityPolicy {
	b.policyMu.RLock()
	defer b.policyMu.RUnlock()
	return b.policy
}

// AddExtension appends a broker-level extension and returns its remove
// handle. Incoming hooks run in registration order, outgoing hooks in
// reverse.
func (b *Broker) AddExtension(ext Extension) func() {
	return b.extensions.add(ext)
}

// Listener registration. Each returns a handle that removes the listener.

// OnSessionAdded observes sessions entering the registry on handshake.
func (b *Broker) OnSessionAdded(fn SessionAddedListener) func() {
	return b.sessionAddedListeners.add(fn)
}

// OnSessionRemoved observes sessions leaving the registry; timeout is true
// when the sweeper expired the session.
func (b *Broker) OnSessionRemoved(fn SessionRemovedListener) func() {
	return b.sessionRemovedListeners.add(fn)
}

// OnChannelAdded observes channel creation.
func (b *Broker) OnChannelAdded(fn ChannelAddedListener) func() {
	return b.channelAddedListeners.add(fn)
}

// OnChannelRemoved observes channels reclaimed by the sweeper.
func (b *Broker) OnChannelRemoved(fn ChannelRemovedListener) func() {
	return b.channelRemovedListeners.add(fn)
}

// OnSubscribed observes committed subscriptions anywhere in the channel
// space.
func (b *Broker) OnSubscribed(fn SubscriptionListener) func() {
	return b.subscribedListeners.add(fn)
}

// OnUnsubscribed observes unsubscriptions anywhere in the channel space.
func (b *Broker) OnUnsubscribed(fn SubscriptionListener) func() {
	return b.unsubscribedListeners.add(fn)
}

// OnSuspended observes /meta/connect requests being held.
func (b *Broker) OnSuspended(fn SuspendedListener) func() {
	return b.suspendedListeners.add(fn)
}

// OnResumed observes held /meta/connect requests completing by message
// arrival or timeout.
func (b *Broker) OnResumed(fn ResumedListener) func() {
	return b.resumedListeners.add(fn)
}

func (b *Broker) fireSubscribed(s *Session, c *Channel) {
	for _, fn := range b.subscribedListeners.snapshot() {
		fn(s, c)
	}
}

func (b *Broker) fireUnsubscribed(s *Session, c *Channel) {
	for _, fn := range b.unsubscribedListeners.snapshot() {
		fn(s, c)
	}
}

// NewSession creates a session bound to the given browser id. The session
// does not enter the registry until its handshake succeeds.
func (b *Broker) NewSession(browserID string) *Session {
	s := newSession()
	s.bindBrowser(browserID)
	return s
}

// GetSession returns the registered session with the given id, or nil.
func (b *Broker) GetSession(id string) *Session {
	if id == "" {
		return nil
	}
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return b.sessions[id]
}

// SessionCount returns the number of registered sessions.
func (b *Broker) SessionCount() int {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return len(b.sessions)
}

// Sessions returns a snapshot of the registered sessions.
func (b *Broker) Sessions() []*Session {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

func (b *Broker) addSession(s *Session) {
	b.sessionsMu.Lock()
	b.sessions[s.ID()] = s
	b.sessionsMu.Unlock()

	b.browsers.addSession(s.BrowserID(), s)
	for _, fn := range b.sessionAddedListeners.snapshot() {
		fn(s)
	}
}

// RemoveSession takes the session out of the registry, releases its
// subscriptions, and fires removal listeners. The timeout flag is true when
// the sweeper reclaimed the session. Removing an unregistered session is a
// no-op.
func (b *Broker) RemoveSession(s *Session, timeout bool) {
	b.sessionsMu.Lock()
	_, present := b.sessions[s.ID()]
	delete(b.sessions, s.ID())
	b.sessionsMu.Unlock()
	if !present {
		return
	}

	b.browsers.removeSession(s.BrowserID(), s)
	s.removed(timeout)
	for _, fn := range b.sessionRemovedListeners.snapshot() {
		fn(s, timeout)
	}
	b.logger.Debug("Session removed", "session_id", s.ID(), "timeout", timeout)
}

// GetChannel returns the channel with the given name, or nil.
func (b *Broker) GetChannel(name bayeux.ChannelName) *Channel {
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	return b.channels[name]
}

// CreateChannel returns the channel with the given name, creating it when
// absent. Creation bypasses the security policy; callers inside the pipeline
// consult canCreate first.
func (b *Broker) CreateChannel(name bayeux.ChannelName) (*Channel, error) {
	if !name.IsValid() {
		return nil, fmt.Errorf("%w: %q", bayeux.ErrInvalidChannel, name)
	}
	return b.createChannel(name), nil
}

func (b *Broker) createChannel(name bayeux.ChannelName) *Channel {
	b.channelsMu.Lock()
	if c, ok := b.channels[name]; ok {
		b.channelsMu.Unlock()
		return c
	}
	c := newChannel(b, name)
	b.channels[name] = c
	b.channelsMu.Unlock()

	for _, fn := range b.channelAddedListeners.snapshot() {
		fn(c)
	}
	b.logger.Debug("Channel created", "channel", name)
	return c
}

// ChannelCount returns the number of channels, including the meta channels.
func (b *Broker) ChannelCount() int {
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	return len(b.channels)
}

// Channels returns a snapshot of all channels.
func (b *Broker) Channels() []*Channel {
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	out := make([]*Channel, 0, len(b.channels))
	for _, c := range b.channels {
		out = append(out, c)
	}
	return out
}

func (b *Broker) removeChannel(c *Channel) {
	b.channelsMu.Lock()
	// Recheck under the registry lock so a subscriber that raced in since
	// the sweep snapshot keeps its channel.
	if !c.sweepable() {
		b.channelsMu.Unlock()
		return
	}
	delete(b.channels, c.Name())
	b.channelsMu.Unlock()

	for _, fn := range b.channelRemovedListeners.snapshot() {
		fn(c)
	}
	b.logger.Debug("Channel swept", "channel", c.Name())
}

// HeldConnects returns the number of /meta/connect requests currently
// suspended across all sessions.
func (b *Broker) HeldConnects() int64 { return b.heldConnects.Load() }

// BrowserSessionCount returns the number of sessions sharing a browser id.
func (b *Broker) BrowserSessionCount(browserID string) int {
	return b.browsers.sessionCount(browserID)
}

// Deliver sends a message directly to the registered session with the given
// client id, returning false when the session is unknown. The message runs
// through the usual session outgoing chains.
func (b *Broker) Deliver(ctx context.Context, sender *Session, clientID string, m *bayeux.Message) bool {
	s := b.GetSession(clientID)
	if s == nil {
		return false
	}
	s.Deliver(ctx, sender, m)
	return true
}

// Process runs one inbound message through the pipeline and returns its
// reply. A nil reply with an error means the request failed internally and
// the transport should answer HTTP 500. from is nil when the clientId did
// not resolve to a registered session.
func (b *Broker) Process(ctx context.Context, from *Session, m *bayeux.Message) (*bayeux.Message, error) {
	reply := &bayeux.Message{Channel: m.Channel, ID: m.ID}
	m.AttachReply(reply)

	if from == nil {
		failReply(reply, bayeux.ErrorSessionUnknown)
		if m.Channel == bayeux.MetaHandshake || m.Channel == bayeux.MetaConnect {
			adv := reply.EnsureAdvice()
			adv.Reconnect = bayeux.ReconnectHandshake
			adv.Interval = bayeux.Int64(0)
		}
		return reply, nil
	}
	if m.Channel == "" {
		failReply(reply, bayeux.ErrorChannelMissing)
		return reply, nil
	}

	// Shield the session from the sweeper while this request is in flight.
	from.cancelExpiration(m.Channel == bayeux.MetaConnect)

	ok, err := b.foldIncoming(ctx, from, m)
	if err != nil {
		return nil, fmt.Errorf("incoming extension: %w", err)
	}
	if ok {
		ok = from.foldIncoming(ctx, m)
	}
	if !ok {
		failReply(reply, bayeux.ErrorMessageDeleted)
		return reply, nil
	}

	channel := b.GetChannel(m.Channel)
	if channel == nil {
		if !m.Channel.IsValid() {
			failReply(reply, bayeux.ErrorChannelDenied)
			return reply, nil
		}
		allowed, err := b.Policy().canCreate(ctx, b, from, m.Channel, m)
		if err != nil {
			return nil, fmt.Errorf("canCreate policy: %w", err)
		}
		if !allowed {
			failReply(reply, bayeux.ErrorChannelDenied)
			return reply, nil
		}
		channel = b.createChannel(m.Channel)
	}

	if !channel.IsMeta() {
		allowed, err := b.Policy().canPublish(ctx, b, from, channel, m)
		if err != nil {
			return nil, fmt.Errorf("canPublish policy: %w", err)
		}
		if !allowed {
			failReply(reply, bayeux.ErrorPublishDenied)
			return reply, nil
		}
	}

	if err := b.publish(ctx, from, channel, m, true); err != nil {
		return nil, err
	}

	// The reply runs the outgoing chains LIFO relative to incoming: broker
	// extensions in reverse registration order, then the session's own.
	if b.foldOutgoing(ctx, from, from, reply) {
		from.foldOutgoing(ctx, from, reply)
	}
	return reply, nil
}

// publish dispatches a message on a resolved channel: message listeners walk
// the wildcard ancestors before the exact channel and may veto; the outgoing
// broker extensions run over the broadcast path; then the message reaches
// the meta handler or fans out to subscribers. incoming is false for
// server-side publishes, which never dispatch to meta handlers.
func (b *Broker) publish(ctx context.Context, from *Session, channel *Channel, m *bayeux.Message, incoming bool) error {
	for _, name := range channel.Name().Expand() {
		c := b.GetChannel(name)
		if c == nil {
			continue
		}
		for _, fn := range c.messageListeners.snapshot() {
			if !fn(from, c, m) {
				b.logger.Debug("Publish vetoed by listener",
					"channel", channel.Name(), "listener_channel", name)
				return nil
			}
		}
	}

	if !b.foldOutgoing(ctx, from, nil, m) {
		return nil
	}

	if channel.IsMeta() {
		if incoming {
			return b.handleMeta(ctx, from, channel, m)
		}
		return nil
	}
	if channel.IsService() {
		// Directed: server-side listeners have seen it; no fan-out.
		return nil
	}

	// Broadcast: serialize once, then fan out to the subscribers of the
	// exact channel and of every wildcard channel covering it.
	if _, err := m.Freeze(); err != nil {
		b.logger.Error("Dropping unserializable publish",
			"channel", channel.Name(), "error", err)
		return nil
	}
	seen := make(map[string]bool)
	for _, name := range channel.Name().Expand() {
		c := b.GetChannel(name)
		if c == nil {
			continue
		}
		for _, s := range c.Subscribers() {
			if seen[s.ID()] {
				continue
			}
			seen[s.ID()] = true
			s.Deliver(ctx, from, m)
		}
	}
	return nil
}

// SuspendConnect holds a /meta/connect for up to timeout. It returns
// (nil, false) when the browser's hold cap is already reached; the transport
// then answers with multiple-clients advice. Otherwise the returned waiter
// is armed and attached, and the transport blocks on its Result channel.
func (b *Broker) SuspendConnect(s *Session, connect *bayeux.Message, timeout time.Duration) (*Waiter, bool) {
	browserID := s.BrowserID()
	if !b.browsers.tryHold(browserID, b.opts.MaxSessionsPerBrowser) {
		b.logger.Debug("Browser hold cap reached",
			"session_id", s.ID(), "browser_id", browserID)
		return nil, false
	}

	w := &Waiter{
		session: s,
		connect: connect,
		timeout: timeout,
		result:  make(chan WaiterResult, 1),
	}
	w.release = func() {
		b.browsers.releaseHold(browserID)
		b.heldConnects.Add(-1)
	}
	w.resumed = func(timedOut bool) {
		for _, fn := range b.resumedListeners.snapshot() {
			fn(s, connect, timedOut)
		}
	}

	b.heldConnects.Add(1)
	if prev := s.attachWaiter(w); prev != nil {
		// handleMetaConnect preempts before suspension; this covers waiters
		// attached outside the pipeline.
		prev.preempt()
	}
	w.arm()
	for _, fn := range b.suspendedListeners.snapshot() {
		fn(s, connect, timeout)
	}

	// A delivery may have slipped in between the transport's queue check and
	// the attach above; its flush found no waiter, so resume here.
	if s.HasQueued() && !s.IsBatching() {
		w.resume(false)
	}
	return w, true
}

// Start launches the periodic sweeper. Calling Start on a running or closed
// broker is an error.
func (b *Broker) Start(ctx context.Context) error {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sweepCancel != nil {
		return errors.New("broker already started")
	}
	ctx, b.sweepCancel = context.WithCancel(ctx)
	b.sweepDone = make(chan struct{})

	go b.runSweeper(ctx)

	b.logger.Info("Broker started",
		"timeout_ms", b.opts.Timeout,
		"max_interval_ms", b.opts.MaxInterval,
		"sweep_period_ms", b.opts.SweepPeriod)
	return nil
}

// Close stops the sweeper. Held /meta/connect requests are not resumed; the
// owning HTTP server closes their connections.
func (b *Broker) Close() {
	b.sweepMu.Lock()
	if b.closed {
		b.sweepMu.Unlock()
		return
	}
	b.closed = true
	cancel, done := b.sweepCancel, b.sweepDone
	b.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	b.logger.Info("Broker closed")
}

func (b *Broker) runSweeper(ctx context.Context) {
	defer close(b.sweepDone)

	ticker := time.NewTicker(time.Duration(b.opts.SweepPeriod) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(time.Now())
		}
	}
}

// Sweep reclaims empty non-meta channels and expired sessions. The sweeper
// calls this once per tick; tests may call it directly.
func (b *Broker) Sweep(now time.Time) {
	for _, c := range b.Channels() {
		if c.sweepable() {
			b.removeChannel(c)
		}
	}
	for _, s := range b.Sessions() {
		if !s.sweepExpired(now) {
			continue
		}
		if w := s.currentWaiter(); w != nil {
			w.Cancel()
		}
		b.logger.Debug("Sweeping expired session", "session_id", s.ID())
		b.RemoveSession(s, true)
	}
}

func failReply(reply *bayeux.Message, code string) {
	reply.Successful = bayeux.Bool(false)
	reply.Error = code
}
