package ack

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/broker"
	"github.com/cometwire/halley/pkg/config"
)

func newAckBroker(t *testing.T) *broker.Broker {
	t.Helper()
	opts := config.Default()
	opts.Timeout = 100
	b := broker.New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.AddExtension(New())
	t.Cleanup(b.Close)
	return b
}

func ackHandshake(t *testing.T, b *broker.Broker, wantAck bool) *broker.Session {
	t.Helper()
	s := b.NewSession(broker.NewBrowserID())
	m := &bayeux.Message{Channel: bayeux.MetaHandshake}
	if wantAck {
		m.SetExt("ack", true)
	}
	reply, err := b.Process(context.Background(), s, m)
	require.NoError(t, err)
	require.True(t, reply.IsSuccessful())
	if wantAck {
		require.Equal(t, true, reply.ExtValue("ack"), "handshake reply must confirm the negotiation")
	} else {
		require.Nil(t, reply.ExtValue("ack"))
	}
	return s
}

func ackSubscribe(t *testing.T, b *broker.Broker, s *broker.Session, name bayeux.ChannelName) {
	t.Helper()
	reply, err := b.Process(context.Background(), s, &bayeux.Message{
		Channel:      bayeux.MetaSubscribe,
		ClientID:     s.ID(),
		Subscription: bayeux.NewSubscription(name),
	})
	require.NoError(t, err)
	require.True(t, reply.IsSuccessful())
}

func publish(t *testing.T, b *broker.Broker, from *broker.Session, name bayeux.ChannelName, data any) {
	t.Helper()
	reply, err := b.Process(context.Background(), from, &bayeux.Message{
		Channel:  name,
		ClientID: from.ID(),
		Data:     data,
	})
	require.NoError(t, err)
	require.True(t, reply.IsSuccessful())
}

// connectAndDrain processes a /meta/connect carrying the given ack value and
// drains the queue the way the transport would, returning the batch messages
// and the batch number stamped on the reply.
func connectAndDrain(t *testing.T, b *broker.Broker, s *broker.Session, ackValue any) ([]*bayeux.Message, int64) {
	t.Helper()
	m := &bayeux.Message{
		Channel:        bayeux.MetaConnect,
		ClientID:       s.ID(),
		ConnectionType: bayeux.ConnectionTypeLongPolling,
	}
	if ackValue != nil {
		m.SetExt("ack", ackValue)
	}
	reply, err := b.Process(context.Background(), s, m)
	require.NoError(t, err)
	require.True(t, reply.IsSuccessful())

	out := s.DrainQueue(reply)
	batch, ok := ackNumber(reply.ExtValue("ack"))
	require.True(t, ok, "connect reply must carry a batch number")
	return out, batch
}

func TestNegotiation(t *testing.T) {
	t.Run("opt-in restricts delivery to connect", func(t *testing.T) {
		b := newAckBroker(t)
		s := ackHandshake(t, b, true)
		assert.True(t, s.MetaConnectDeliveryOnly())
	})

	t.Run("sessions without the ext are untouched", func(t *testing.T) {
		b := newAckBroker(t)
		s := ackHandshake(t, b, false)
		assert.False(t, s.MetaConnectDeliveryOnly())
		assert.Empty(t, s.Extensions())
	})

	t.Run("repeated handshake installs one extension", func(t *testing.T) {
		b := newAckBroker(t)
		s := ackHandshake(t, b, true)
		m := &bayeux.Message{Channel: bayeux.MetaHandshake}
		m.SetExt("ack", true)
		_, err := b.Process(context.Background(), s, m)
		require.NoError(t, err)
		assert.Len(t, s.Extensions(), 1)
	})
}

func TestBatchNumbering(t *testing.T) {
	b := newAckBroker(t)
	pub := ackHandshake(t, b, false)
	sub := ackHandshake(t, b, true)
	ackSubscribe(t, b, sub, "/chat/room")

	// First connect of the session carries batch 0.
	out, batch := connectAndDrain(t, b, sub, nil)
	assert.Empty(t, out)
	assert.Equal(t, int64(0), batch)

	publish(t, b, pub, "/chat/room", "one")
	out, batch = connectAndDrain(t, b, sub, int64(0))
	require.Len(t, out, 1)
	assert.Equal(t, "one", out[0].Data)
	assert.Equal(t, int64(1), batch)

	publish(t, b, pub, "/chat/room", "two")
	out, batch = connectAndDrain(t, b, sub, int64(1))
	require.Len(t, out, 1)
	assert.Equal(t, "two", out[0].Data)
	assert.Equal(t, int64(2), batch)
}

func TestReplay(t *testing.T) {
	t.Run("unacked batch is resent", func(t *testing.T) {
		b := newAckBroker(t)
		pub := ackHandshake(t, b, false)
		sub := ackHandshake(t, b, true)
		ackSubscribe(t, b, sub, "/chat/room")

		_, first := connectAndDrain(t, b, sub, nil)

		publish(t, b, pub, "/chat/room", "lost")
		out, batch := connectAndDrain(t, b, sub, first)
		require.Len(t, out, 1)

		// The client never acked this batch: its next connect repeats the
		// previous ack, and the batch is replayed alongside anything new.
		publish(t, b, pub, "/chat/room", "fresh")
		out, replayBatch := connectAndDrain(t, b, sub, first)
		require.Len(t, out, 2)
		assert.Equal(t, "lost", out[0].Data)
		assert.Equal(t, "fresh", out[1].Data)
		assert.Greater(t, replayBatch, batch)
	})

	t.Run("acked batches leave the log", func(t *testing.T) {
		b := newAckBroker(t)
		pub := ackHandshake(t, b, false)
		sub := ackHandshake(t, b, true)
		ackSubscribe(t, b, sub, "/chat/room")

		publish(t, b, pub, "/chat/room", "a")
		_, batch := connectAndDrain(t, b, sub, nil)

		// Acknowledged: nothing comes back.
		out, _ := connectAndDrain(t, b, sub, batch)
		assert.Empty(t, out)
	})

	t.Run("pending resend forces an immediate connect return", func(t *testing.T) {
		b := newAckBroker(t)
		pub := ackHandshake(t, b, false)
		sub := ackHandshake(t, b, true)
		ackSubscribe(t, b, sub, "/chat/room")

		publish(t, b, pub, "/chat/room", "x")
		_, batch := connectAndDrain(t, b, sub, nil)
		sub.TakeQueue() // the transport sent these; clear the session queue

		// The un-acked connect must not be held, so the extension zeroes the
		// effective timeout.
		m := &bayeux.Message{
			Channel:  bayeux.MetaConnect,
			ClientID: sub.ID(),
		}
		m.SetExt("ack", batch-1)
		reply, err := b.Process(context.Background(), sub, m)
		require.NoError(t, err)
		require.True(t, reply.IsSuccessful())
		assert.Equal(t, int64(0), sub.CalculateTimeout(30_000))
	})
}

func TestAckNumberCoercion(t *testing.T) {
	// JSON decoding hands the ack field over as float64.
	b := newAckBroker(t)
	pub := ackHandshake(t, b, false)
	sub := ackHandshake(t, b, true)
	ackSubscribe(t, b, sub, "/chat/room")

	publish(t, b, pub, "/chat/room", "a")
	_, batch := connectAndDrain(t, b, sub, nil)

	out, _ := connectAndDrain(t, b, sub, float64(batch))
	assert.Empty(t, out)
}

func TestBatchLog(t *testing.T) {
	m := func(data string) *bayeux.Message {
		return &bayeux.Message{Channel: "/x/y", Data: data}
	}

	t.Run("seal and ack", func(t *testing.T) {
		l := newBatchLog()
		l.store(m("a"))
		l.store(m("b"))
		l.seal(0)
		l.store(m("c"))
		l.seal(1)

		assert.Len(t, l.upTo(0), 2)
		assert.Len(t, l.upTo(1), 3)

		l.ack(0)
		require.Equal(t, 1, l.len())
		assert.Equal(t, "c", l.upTo(1)[0].Data)

		l.ack(1)
		assert.Zero(t, l.len())
	})

	t.Run("duplicate store of the newest unsealed entry is ignored", func(t *testing.T) {
		l := newBatchLog()
		msg := m("dup")
		l.store(msg)
		l.store(msg)
		assert.Equal(t, 1, l.len())
	})

	t.Run("unsealed entries never ship", func(t *testing.T) {
		l := newBatchLog()
		l.store(m("pending"))
		assert.Empty(t, l.upTo(99))
	})

	t.Run("ack ignores unsealed entries", func(t *testing.T) {
		l := newBatchLog()
		l.store(m("pending"))
		l.ack(99)
		assert.Equal(t, 1, l.len())
	})
}
