package broker

import (
	"context"
	"fmt"

	"github.com/cometwire/halley/pkg/bayeux"
)

// handleMeta dispatches an inbound message on a meta channel to the built-in
// handler. Only the five protocol channels process traffic; anything else
// under /meta/ is refused.
func (b *Broker) handleMeta(ctx context.Context, from *Session, channel *Channel, m *bayeux.Message) error {
	switch channel.Name() {
	case bayeux.MetaHandshake:
		return b.handleHandshake(ctx, from, m)
	case bayeux.MetaConnect:
		return b.handleConnect(ctx, from, m)
	case bayeux.MetaSubscribe:
		return b.handleSubscribe(ctx, from, m)
	case bayeux.MetaUnsubscribe:
		return b.handleUnsubscribe(ctx, from, m)
	case bayeux.MetaDisconnect:
		return b.handleDisconnect(ctx, from, m)
	default:
		failReply(m.Reply(), bayeux.ErrorChannelDenied)
		return nil
	}
}

func (b *Broker) handleHandshake(ctx context.Context, s *Session, m *bayeux.Message) error {
	reply := m.Reply()
	reply.Version = bayeux.Version
	reply.SupportedConnectionTypes = []string{bayeux.ConnectionTypeLongPolling}

	allowed, err := b.Policy().canHandshake(ctx, b, s, m)
	if err != nil {
		return fmt.Errorf("canHandshake policy: %w", err)
	}
	if !allowed {
		failReply(reply, bayeux.ErrorHandshakeDenied)
		adv := reply.EnsureAdvice()
		if adv.Reconnect == "" {
			adv.Reconnect = bayeux.ReconnectNone
		}
		return nil
	}

	s.markHandshaken()
	b.addSession(s)

	reply.Successful = bayeux.Bool(true)
	reply.ClientID = s.ID()
	adv := reply.EnsureAdvice()
	adv.Reconnect = bayeux.ReconnectRetry
	adv.Timeout = bayeux.Int64(b.opts.Timeout)
	adv.Interval = bayeux.Int64(b.opts.Interval)

	b.logger.Debug("Session handshaken",
		"session_id", s.ID(), "browser_id", s.BrowserID())
	return nil
}

func (b *Broker) handleConnect(_ context.Context, s *Session, m *bayeux.Message) error {
	// A newer connect preempts the one currently held for this session; its
	// response completes with the configured duplicate status code.
	s.preemptWaiter()

	s.setClientAdvice(m.Advice.TimeoutOr(-1), m.Advice.IntervalOr(-1))
	m.Reply().Successful = bayeux.Bool(true)
	return nil
}

func (b *Broker) handleSubscribe(ctx context.Context, s *Session, m *bayeux.Message) error {
	reply := m.Reply()
	reply.Subscription = m.Subscription

	names := m.Subscription.Channels()
	if len(names) == 0 {
		failReply(reply, bayeux.ErrorSubscriptionMissing)
		return nil
	}

	// Resolve and authorize every channel before committing any: a single
	// denial fails the whole subscribe.
	channels := make([]*Channel, 0, len(names))
	for _, name := range names {
		if !name.IsValid() {
			failReply(reply, bayeux.ErrorSubscribeDenied)
			return nil
		}
		c := b.GetChannel(name)
		if c == nil {
			allowed, err := b.Policy().canCreate(ctx, b, s, name, m)
			if err != nil {
				return fmt.Errorf("canCreate policy: %w", err)
			}
			if !allowed {
				failReply(reply, bayeux.ErrorChannelDenied)
				return nil
			}
			c = b.createChannel(name)
		}
		allowed, err := b.Policy().canSubscribe(ctx, b, s, c, m)
		if err != nil {
			return fmt.Errorf("canSubscribe policy: %w", err)
		}
		if !allowed {
			failReply(reply, bayeux.ErrorSubscribeDenied)
			return nil
		}
		channels = append(channels, c)
	}

	for _, c := range channels {
		if !c.subscribe(s) {
			failReply(reply, bayeux.ErrorSubscribeFailed)
			return nil
		}
	}

	reply.Successful = bayeux.Bool(true)
	return nil
}

func (b *Broker) handleUnsubscribe(_ context.Context, s *Session, m *bayeux.Message) error {
	reply := m.Reply()
	reply.Subscription = m.Subscription

	names := m.Subscription.Channels()
	if len(names) == 0 {
		failReply(reply, bayeux.ErrorSubscriptionMissing)
		return nil
	}
	if !s.IsHandshaken() {
		failReply(reply, bayeux.ErrorUnsubscribeFailed)
		return nil
	}

	// Unknown channels are silently skipped; unsubscribe is idempotent.
	for _, name := range names {
		if c := b.GetChannel(name); c != nil {
			c.unsubscribe(s)
		}
	}
	reply.Successful = bayeux.Bool(true)
	return nil
}

func (b *Broker) handleDisconnect(_ context.Context, s *Session, m *bayeux.Message) error {
	m.Reply().Successful = bayeux.Bool(true)
	b.RemoveSession(s, false)

	// Flush the held connect, if any, so the client's pending poll returns
	// instead of hanging until its timeout.
	if w := s.currentWaiter(); w != nil {
		w.resume(false)
	}
	return nil
}
