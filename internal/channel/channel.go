package channel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellarlinkco/ragclaw/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every channel shares: the bus, the agent its
// messages are routed to, a sender allow list and a per-sender rate limit.
type BaseChannel struct {
	name      string
	agent     string
	bus       *bus.MessageBus
	allowFrom map[string]bool

	perMinute int
	mu        *sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		mu:        &sync.Mutex{},
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) Agent() string {
	return c.agent
}

func (c *BaseChannel) SetAgent(agent string) {
	c.agent = agent
}

// SetRateLimit allows perMinute messages per sender with a burst of the same
// size. Zero disables limiting.
func (c *BaseChannel) SetRateLimit(perMinute int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perMinute = perMinute
	c.limiters = make(map[string]*rate.Limiter)
}

// IsAllowed reports whether senderID passes the allow list. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// Admit consumes one token from the sender's limiter.
func (c *BaseChannel) Admit(senderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perMinute <= 0 {
		return true
	}
	l, ok := c.limiters[senderID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMinute)), c.perMinute)
		c.limiters[senderID] = l
	}
	return l.Allow()
}

// publish stamps the channel and agent onto msg and queues it for the gateway.
func (c *BaseChannel) publish(msg bus.InboundMessage) {
	msg.Channel = c.name
	if msg.AgentID == "" {
		msg.AgentID = c.agent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.bus.Inbound <- msg
}
