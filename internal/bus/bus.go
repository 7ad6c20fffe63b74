package bus

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type OutboundHandler func(OutboundMessage)

type ActionHandler func(ChatAction)

// MessageBus connects channels to the gateway. Channels push to Inbound;
// the gateway pushes answers to Outbound, and DispatchOutbound routes them to
// the subscriber registered for the message's channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]OutboundHandler
	actions     map[string]ActionHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]OutboundHandler),
		actions:     make(map[string]ActionHandler),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.mu.Lock()
	b.subscribers[channel] = handler
	b.mu.Unlock()
}

func (b *MessageBus) SubscribeActions(channel string, handler ActionHandler) {
	b.mu.Lock()
	b.actions[channel] = handler
	b.mu.Unlock()
}

// PublishAction delivers a chat action synchronously. Channels without an
// action handler ignore it.
func (b *MessageBus) PublishAction(a ChatAction) {
	b.mu.RLock()
	handler, ok := b.actions[a.Channel]
	b.mu.RUnlock()
	if ok {
		handler(a)
	}
}

// DispatchOutbound blocks until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handler, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Warnf("[bus] no subscriber for channel %s, dropping message to %s", msg.Channel, msg.ChatID)
				continue
			}
			handler(msg)
		case <-ctx.Done():
			return
		}
	}
}
