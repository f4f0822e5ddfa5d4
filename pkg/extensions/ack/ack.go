// Package ack implements the acknowledged-messages extension: clients that
// negotiate it receive broadcast messages only on /meta/connect responses,
// each response carries a batch number, and batches the client never
// acknowledged are resent on its next connect.
package ack

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/broker"
)

// extField is the key used inside "ext" on both handshake and connect.
const extField = "ack"

// Extension negotiates acknowledged delivery per session. Register one
// instance on the broker; sessions opt in by sending ext.ack=true on their
// handshake.
type Extension struct {
	broker.NopExtension
}

// New returns the broker-level extension.
func New() *Extension {
	return &Extension{}
}

// Incoming watches handshakes for the ack negotiation and installs the
// per-session bookkeeping on sessions that request it.
func (e *Extension) Incoming(_ context.Context, _ *broker.Broker, from *broker.Session, m *bayeux.Message) (bool, error) {
	if from == nil || m.Channel != bayeux.MetaHandshake {
		return true, nil
	}
	if want, _ := m.ExtValue(extField).(bool); !want {
		return true, nil
	}
	if sessionExtOf(from) == nil {
		from.AddExtension(newSessionExt())
		from.SetMetaConnectDeliveryOnly(true)
	}
	return true, nil
}

// Outgoing confirms the negotiation on the handshake reply of sessions that
// opted in.
func (e *Extension) Outgoing(_ context.Context, _ *broker.Broker, _, to *broker.Session, m *bayeux.Message) (bool, error) {
	if to == nil || m.Channel != bayeux.MetaHandshake || !m.IsSuccessful() {
		return true, nil
	}
	if sessionExtOf(to) != nil {
		m.SetExt(extField, true)
	}
	return true, nil
}

func sessionExtOf(s *broker.Session) *sessionExt {
	for _, ext := range s.Extensions() {
		if se, ok := ext.(*sessionExt); ok {
			return se
		}
	}
	return nil
}

// sessionExt carries the per-session replay log. Batch numbers start at zero
// and increment once per drained /meta/connect response; an entry leaves the
// log only when the client acknowledges its batch.
type sessionExt struct {
	mu      sync.Mutex
	counter int64
	log     *batchLog
}

func newSessionExt() *sessionExt {
	return &sessionExt{log: newBatchLog()}
}

// Incoming processes the client's acknowledgment on /meta/connect: batches up
// to the acked number are discarded, and if unacknowledged batches remain the
// connect is told not to hold so the resend goes out immediately.
func (x *sessionExt) Incoming(_ context.Context, s *broker.Session, m *bayeux.Message) (bool, error) {
	if m.Channel != bayeux.MetaConnect {
		return true, nil
	}
	if n, ok := ackNumber(m.ExtValue(extField)); ok {
		x.mu.Lock()
		x.log.ack(n)
		resend := x.log.len() > 0
		x.mu.Unlock()
		if resend && !s.HasQueued() {
			m.EnsureAdvice().Timeout = bayeux.Int64(0)
		}
	}
	return true, nil
}

// Outgoing records every broadcast message delivered to the session so an
// unacknowledged batch can be replayed. Replies carry a successful flag and
// are never logged.
func (x *sessionExt) Outgoing(_ context.Context, _, _ *broker.Session, m *bayeux.Message) (bool, error) {
	if m.Channel.IsMeta() || m.Channel.IsService() || m.Successful != nil {
		return true, nil
	}
	x.mu.Lock()
	x.log.store(m)
	x.mu.Unlock()
	return true, nil
}

// DrainQueue replaces the session-queue drain with the replay log: a fresh
// batch number is assigned, stamped on the connect reply, and every entry up
// to that batch is sent. Entries stay in the log until acknowledged.
func (x *sessionExt) DrainQueue(_ *broker.Session, connectReply *bayeux.Message, _ []*bayeux.Message) []*bayeux.Message {
	x.mu.Lock()
	batch := x.counter
	x.counter++
	x.log.seal(batch)
	out := x.log.upTo(batch)
	x.mu.Unlock()

	connectReply.SetExt(extField, batch)
	return out
}

// batchLog is the ordered replay log: messages enter unsealed, are stamped
// with a batch number when a connect response drains them, and leave when
// that batch is acknowledged.
type batchLog struct {
	msgs    []*bayeux.Message
	batches []int64
}

// unsealed marks an entry not yet assigned to a batch.
const unsealed = int64(-1)

func newBatchLog() *batchLog {
	return &batchLog{}
}

// store appends a message. The sender's and the receiver's outgoing chains
// both run when a session receives its own publish, so a message identical to
// the newest entry is recorded once.
func (l *batchLog) store(m *bayeux.Message) {
	if n := len(l.msgs); n > 0 && l.msgs[n-1] == m && l.batches[n-1] == unsealed {
		return
	}
	l.msgs = append(l.msgs, m)
	l.batches = append(l.batches, unsealed)
}

// seal stamps every unsealed entry with the given batch number.
func (l *batchLog) seal(batch int64) {
	for i, b := range l.batches {
		if b == unsealed {
			l.batches[i] = batch
		}
	}
}

// upTo returns the entries of every batch up to and including n, oldest
// first, without removing them.
func (l *batchLog) upTo(n int64) []*bayeux.Message {
	out := make([]*bayeux.Message, 0, len(l.msgs))
	for i, b := range l.batches {
		if b != unsealed && b <= n {
			out = append(out, l.msgs[i])
		}
	}
	return out
}

// ack discards every entry of batches up to and including n.
func (l *batchLog) ack(n int64) {
	msgs := l.msgs[:0]
	batches := l.batches[:0]
	for i, b := range l.batches {
		if b != unsealed && b <= n {
			continue
		}
		msgs = append(msgs, l.msgs[i])
		batches = append(batches, b)
	}
	l.msgs = msgs
	l.batches = batches
}

func (l *batchLog) len() int { return len(l.msgs) }

// ackNumber coerces the wire form of the ack field, which arrives as a JSON
// number, into a batch number.
func ackNumber(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
