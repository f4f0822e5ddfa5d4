package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/config"
)

func TestDebugPublish(t *testing.T) {
	b := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	s := b.NewSession(NewBrowserID())
	r, err := b.Process(context.Background(), s, &bayeux.Message{Channel: bayeux.MetaHandshake})
	t.Logf("handshake: %+v err=%v", r, err)
	r2, err := b.Process(context.Background(), s, &bayeux.Message{Channel: "/chat/room", ClientID: s.ID(), Data: "hi"})
	t.Logf("publish reply: %+v err=%v", r2, err)
}
