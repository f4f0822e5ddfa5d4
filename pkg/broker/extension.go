package broker

import (
	"context"
	"log/slog"

	"github.com/cometwire/halley/pkg/bayeux"
)

// Extension hooks into the broker pipeline. Incoming runs over every inbound
// message in registration order; returning false deletes the message
// (404::message_deleted) and an error aborts the request. Outgoing runs in
// reverse registration order over broadcast messages (to == nil) and replies
// (to == the receiving session); returning false drops the message, errors
// are logged and ignored.
type Extension interface {
	Incoming(ctx context.Context, b *Broker, from *Session, m *bayeux.Message) (bool, error)
	Outgoing(ctx context.Context, b *Broker, from, to *Session, m *bayeux.Message) (bool, error)
}

// SessionExtension hooks into a single session's traffic. Incoming errors
// are logged and treated as continue, unlike broker-level extensions whose
// incoming errors fail the request.
type SessionExtension interface {
	Incoming(ctx context.Context, s *Session, m *bayeux.Message) (bool, error)
	Outgoing(ctx context.Context, from, s *Session, m *bayeux.Message) (bool, error)
}

// QueueDrainer is an optional SessionExtension capability: when a response
// carrying a /meta/connect reply drains the session queue, the drained slice
// is passed through DrainQueue and the result is sent instead.
type QueueDrainer interface {
	DrainQueue(s *Session, connectReply *bayeux.Message, queued []*bayeux.Message) []*bayeux.Message
}

// NopExtension is a pass-through Extension for embedding.
type NopExtension struct{}

func (NopExtension) Incoming(context.Context, *Broker, *Session, *bayeux.Message) (bool, error) {
	return true, nil
}

func (NopExtension) Outgoing(context.Context, *Broker, *Session, *Session, *bayeux.Message) (bool, error) {
	return true, nil
}

// foldIncoming runs broker-level incoming extensions in order. A veto stops
// the fold; an error aborts the pipeline.
func (b *Broker) foldIncoming(ctx context.Context, from *Session, m *bayeux.Message) (bool, error) {
	for _, ext := range b.extensions.snapshot() {
		ok, err := ext.Incoming(ctx, b, from, m)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// foldOutgoing runs broker-level outgoing extensions in reverse order.
// Errors are logged and do not drop the message.
func (b *Broker) foldOutgoing(ctx context.Context, from, to *Session, m *bayeux.Message) bool {
	exts := b.extensions.snapshot()
	for i := len(exts) - 1; i >= 0; i-- {
		ok, err := exts[i].Outgoing(ctx, b, from, to, m)
		if err != nil {
			slog.Error("Outgoing extension failed", "channel", m.Channel, "error", err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

// foldIncoming runs the session's incoming extensions in order. Errors are
// logged and treated as continue; extension failure must not drop user
// messages.
func (s *Session) foldIncoming(ctx context.Context, m *bayeux.Message) bool {
	for _, ext := range s.extensions.snapshot() {
		ok, err := ext.Incoming(ctx, s, m)
		if err != nil {
			slog.Error("Session incoming extension failed",
				"session_id", s.ID(), "channel", m.Channel, "error", err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

// foldOutgoing runs the session's outgoing extensions in reverse order.
// Errors are logged and treated as continue.
func (s *Session) foldOutgoing(ctx context.Context, from *Session, m *bayeux.Message) bool {
	exts := s.extensions.snapshot()
	for i := len(exts) - 1; i >= 0; i-- {
		ok, err := exts[i].Outgoing(ctx, from, s, m)
		if err != nil {
			slog.Error("Session outgoing extension failed",
				"session_id", s.ID(), "channel", m.Channel, "error", err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}
