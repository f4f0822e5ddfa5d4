package transport

import (
	"context"

	"github.com/cometwire/halley/pkg/bayeux"
)

type contextKey struct{}

var messagesKey contextKey

// WithMessages attaches pre-parsed messages to a request context. The
// transport uses them instead of decoding the body, letting upstream
// middleware (batching proxies, test harnesses) parse once.
func WithMessages(ctx context.Context, msgs []*bayeux.Message) context.Context {
	return context.WithValue(ctx, messagesKey, msgs)
}

func messagesFromContext(ctx context.Context) ([]*bayeux.Message, bool) {
	msgs, ok := ctx.Value(messagesKey).([]*bayeux.Message)
	return msgs, ok
}
