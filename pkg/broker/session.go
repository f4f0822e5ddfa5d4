package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cometwire/halley/pkg/bayeux"
)

// Session is the server-side state for one Bayeux client: the handshake
// flag, the outbound queue, client-advertised timing, the expiration
// deadline, and at most one held /meta/connect. All mutable state is
// serialized by the session mutex; callbacks and waiter transitions always
// run outside it.
type Session struct {
	id string

	mu                      sync.Mutex
	handshaken              bool
	queue                   []*bayeux.Message
	subscriptions           map[bayeux.ChannelName]*Channel
	batchDepth              int
	clientTimeout           int64
	clientInterval          int64
	scheduleTime            time.Time
	expireTime              time.Time
	waiter                  *Waiter
	browserID               string
	metaConnectDeliveryOnly bool

	extensions       listenerList[SessionExtension]
	removedListeners listenerList[SessionRemovedListener]
}

func newSession() *Session {
	return &Session{
		id:             newRandomID(),
		subscriptions:  make(map[bayeux.ChannelName]*Channel),
		clientTimeout:  -1,
		clientInterval: -1,
	}
}

// ID returns the 40-hex session identifier handed to the client as clientId.
func (s *Session) ID() string { return s.id }

// BrowserID returns the browser-cookie value this session is bound to, or
// empty before the first handshake response.
func (s *Session) BrowserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserID
}

func (s *Session) bindBrowser(browserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browserID = browserID
}

// IsHandshaken reports whether the session completed /meta/handshake and has
// not been removed.
func (s *Session) IsHandshaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaken
}

func (s *Session) markHandshaken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshaken = true
}

// AddExtension registers a session extension and returns its remove handle.
func (s *Session) AddExtension(ext SessionExtension) func() {
	return s.extensions.add(ext)
}

// Extensions returns a snapshot of the session's extensions in registration
// order.
func (s *Session) Extensions() []SessionExtension {
	return s.extensions.snapshot()
}

// OnRemoved registers a callback fired when the session is removed; timeout
// is true when the sweeper expired it.
func (s *Session) OnRemoved(fn SessionRemovedListener) func() {
	return s.removedListeners.add(fn)
}

// SetMetaConnectDeliveryOnly restricts queue drains to /meta/connect
// responses. The acknowledged-messages extension relies on this to keep its
// replay log consistent.
func (s *Session) SetMetaConnectDeliveryOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaConnectDeliveryOnly = v
}

// MetaConnectDeliveryOnly reports whether non-connect responses may drain
// the queue.
func (s *Session) MetaConnectDeliveryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaConnectDeliveryOnly
}

// Deliver routes a message to this session: the sender's outgoing session
// extensions run first, then this session's, either of which may drop the
// message. Survivors are frozen and queued, and the queue is flushed unless
// a batch is open.
func (s *Session) Deliver(ctx context.Context, sender *Session, m *bayeux.Message) {
	if sender != nil && !sender.foldOutgoing(ctx, sender, m) {
		return
	}
	if !s.foldOutgoing(ctx, sender, m) {
		return
	}
	if _, err := m.Freeze(); err != nil {
		slog.Error("Dropping unserializable message",
			"session_id", s.id, "channel", m.Channel, "error", err)
		return
	}
	if s.offer(m) {
		s.flush()
	}
}

// offer appends to the queue and reports whether the caller should flush.
func (s *Session) offer(m *bayeux.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, m)
	return s.batchDepth == 0
}

// flush wakes the held /meta/connect, if any.
func (s *Session) flush() {
	s.mu.Lock()
	w := s.waiter
	s.mu.Unlock()
	if w != nil {
		w.resume(false)
	}
}

// StartBatch suspends queue flushing until the matching EndBatch.
func (s *Session) StartBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchDepth++
}

// EndBatch closes one batch level; on reaching zero with queued messages the
// queue is flushed.
func (s *Session) EndBatch() {
	s.mu.Lock()
	if s.batchDepth > 0 {
		s.batchDepth--
	}
	flush := s.batchDepth == 0 && len(s.queue) > 0
	s.mu.Unlock()
	if flush {
		s.flush()
	}
}

// Batch runs fn inside a batch. The batch closes even when fn panics, so
// deliveries made before the panic still flush.
func (s *Session) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}

// IsBatching reports whether a batch is open.
func (s *Session) IsBatching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchDepth > 0
}

// HasQueued reports whether messages await delivery.
func (s *Session) HasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// TakeQueue drains and returns the queued messages in FIFO order.
func (s *Session) TakeQueue() []*bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// DrainQueue drains the queue for a response. When the response carries a
// /meta/connect reply, session extensions implementing QueueDrainer may
// replace the drained slice; the acknowledged-messages extension uses this
// to substitute its replay log.
func (s *Session) DrainQueue(connectReply *bayeux.Message) []*bayeux.Message {
	queued := s.TakeQueue()
	if connectReply == nil {
		return queued
	}
	for _, ext := range s.extensions.snapshot() {
		if d, ok := ext.(QueueDrainer); ok {
			queued = d.DrainQueue(s, connectReply, queued)
		}
	}
	return queued
}

// setClientAdvice records the client-advertised connect timing; -1 selects
// the server default.
func (s *Session) setClientAdvice(timeout, interval int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTimeout = timeout
	s.clientInterval = interval
}

// CalculateTimeout returns the effective hold timeout in milliseconds.
func (s *Session) CalculateTimeout(serverDefault int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientTimeout >= 0 {
		return s.clientTimeout
	}
	return serverDefault
}

// CalculateInterval returns the effective reconnect interval in milliseconds.
func (s *Session) CalculateInterval(serverDefault int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientInterval >= 0 {
		return s.clientInterval
	}
	return serverDefault
}

// ScheduleExpiration arms the sweep deadline after a response completes:
// the client has interval+maxInterval milliseconds to come back.
func (s *Session) ScheduleExpiration(defaultInterval, maxInterval int64) {
	interval := s.CalculateInterval(defaultInterval)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleTime = time.Now()
	s.expireTime = s.scheduleTime.Add(time.Duration(interval+maxInterval) * time.Millisecond)
}

// cancelExpiration shields the session from the sweeper while a request is
// in flight. A held or processing /meta/connect clears the deadline
// entirely; other traffic extends it by the time spent in flight.
func (s *Session) cancelExpiration(isMetaConnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isMetaConnect {
		s.expireTime = time.Time{}
		return
	}
	if !s.expireTime.IsZero() {
		s.expireTime = s.expireTime.Add(time.Since(s.scheduleTime))
	}
}

// sweepExpired reports whether the sweep deadline has passed.
func (s *Session) sweepExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expireTime.IsZero() && now.After(s.expireTime)
}

// attachWaiter installs w as the session's held connect and returns the
// waiter it displaced, if any.
func (s *Session) attachWaiter(w *Waiter) *Waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.waiter
	s.waiter = w
	return previous
}

// clearWaiter detaches w if it is still the session's current waiter.
func (s *Session) clearWaiter(w *Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == w {
		s.waiter = nil
	}
}

// preemptWaiter cancels the currently held connect because a new one
// arrived; its response completes with the duplicate status code.
func (s *Session) preemptWaiter() {
	s.mu.Lock()
	w := s.waiter
	s.mu.Unlock()
	if w != nil {
		w.preempt()
	}
}

func (s *Session) currentWaiter() *Waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiter
}

func (s *Session) addSubscription(c *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[c.Name()] = c
}

func (s *Session) removeSubscription(c *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, c.Name())
}

// Subscriptions returns a snapshot of the channels this session subscribes
// to.
func (s *Session) Subscriptions() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, len(s.subscriptions))
	for _, c := range s.subscriptions {
		out = append(out, c)
	}
	return out
}

// removed tears the session down: the handshake flag drops, every
// subscription is released, and removal listeners fire. The registry delete
// happens in the broker before this runs.
func (s *Session) removed(timeout bool) {
	s.mu.Lock()
	s.handshaken = false
	subs := make([]*Channel, 0, len(s.subscriptions))
	for _, c := range s.subscriptions {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	for _, c := range subs {
		c.unsubscribe(s)
	}
	for _, fn := range s.removedListeners.snapshot() {
		fn(s, timeout)
	}
}
