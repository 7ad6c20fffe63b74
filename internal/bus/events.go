package bus

import (
	"time"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	AgentID   string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
	// Reply, when set, receives the answer instead of the outbound queue.
	Reply chan<- OutboundMessage
}

// SessionKey identifies one conversation across channels.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}

// ChatAction is a transient status shown in a chat while a turn runs.
type ChatAction struct {
	Channel string
	ChatID  string
	Action  string
}

const ActionTyping = "typing"
