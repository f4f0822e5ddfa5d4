package broker

import (
	"context"

	"github.com/cometwire/halley/pkg/bayeux"
)

// SecurityPolicy authorizes protocol actions. A nil field permits the
// action, so a zero policy allows everything. Returning false produces the
// matching Bayeux error reply; returning an error fails the whole request.
type SecurityPolicy struct {
	// CanHandshake gates new sessions. The session is not yet registered.
	CanHandshake func(ctx context.Context, b *Broker, s *Session, m *bayeux.Message) (bool, error)
	// CanCreate gates creation of channels referenced for the first time.
	CanCreate func(ctx context.Context, b *Broker, s *Session, channel bayeux.ChannelName, m *bayeux.Message) (bool, error)
	// CanSubscribe gates subscription to an existing or just-created channel.
	CanSubscribe func(ctx context.Context, b *Broker, s *Session, c *Channel, m *bayeux.Message) (bool, error)
	// CanPublish gates external publishes to non-meta channels.
	CanPublish func(ctx context.Context, b *Broker, s *Session, c *Channel, m *bayeux.Message) (bool, error)
}

func (p *SecurityPolicy) canHandshake(ctx context.Context, b *Broker, s *Session, m *bayeux.Message) (bool, error) {
	if p == nil || p.CanHandshake == nil {
		return true, nil
	}
	return p.CanHandshake(ctx, b, s, m)
}

func (p *SecurityPolicy) canCreate(ctx context.Context, b *Broker, s *Session, channel bayeux.ChannelName, m *bayeux.Message) (bool, error) {
	if p == nil || p.CanCreate == nil {
		return true, nil
	}
	return p.CanCreate(ctx, b, s, channel, m)
}

func (p *SecurityPolicy) canSubscribe(ctx context.Context, b *Broker, s *Session, c *Channel, m *bayeux.Message) (bool, error) {
	if p == nil || p.CanSubscribe == nil {
		return true, nil
	}
	return p.CanSubscribe(ctx, b, s, c, m)
}

func (p *SecurityPolicy) canPublish(ctx context.Context, b *Broker, s *Session, c *Channel, m *bayeux.Message) (bool, error) {
	if p == nil || p.CanPublish == nil {
		return true, nil
	}
	return p.CanPublish(ctx, b, s, c, m)
}
