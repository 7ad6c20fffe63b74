package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "42"}
	assert.Equal(t, "telegram:42", msg.SessionKey())
}

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("webui", func(m OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "nobody", ChatID: "1", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "webui", ChatID: "2", Content: "hello"}

	select {
	case m := <-got:
		assert.Equal(t, "2", m.ChatID)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestDispatchOutbound_StopsOnCancel(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestPublishAction(t *testing.T) {
	b := NewMessageBus(1)
	var seen []ChatAction
	b.SubscribeActions("telegram", func(a ChatAction) { seen = append(seen, a) })

	b.PublishAction(ChatAction{Channel: "telegram", ChatID: "1", Action: ActionTyping})
	b.PublishAction(ChatAction{Channel: "webui", ChatID: "1", Action: ActionTyping})

	require.Len(t, seen, 1)
	assert.Equal(t, ActionTyping, seen[0].Action)
}
