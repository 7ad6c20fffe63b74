package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/ragclaw/internal/storage"
)

// WindowCapacity bounds how many recent messages feed the History parameter.
const WindowCapacity = 10

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Persistence marks whether a message belongs to the long-lived dialogue
// (Persistent) or to a throwaway small-talk exchange (Temporal).
type Persistence string

const (
	Persistent Persistence = "persistent"
	Temporal   Persistence = "temporal"
)

type Message struct {
	SenderID    string      `json:"sender_id,omitempty"`
	Role        Role        `json:"role"`
	Persistence Persistence `json:"persistence"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Log is one conversation's append-only message log plus its active window
// of recent positions. Callers serialise turns per conversation.
type Log struct {
	cache     *storage.Cache
	key       string
	windowKey string
}

func New(cache *storage.Cache, key string) *Log {
	return &Log{cache: cache, key: key, windowKey: key + ":window"}
}

// Key builds the conversation key for an agent, user and chat.
func Key(agent, userID, chatID string) string {
	return agent + ":" + userID + ":" + chatID
}

func (l *Log) Key() string { return l.key }

// Append stores msg and returns its position in the log.
func (l *Log) Append(ctx context.Context, msg Message) (int, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	pos, err := l.cache.Count(ctx, l.key)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if err := l.cache.Save(ctx, l.key, msg, 0); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return pos, nil
}

func (l *Log) Messages(ctx context.Context) ([]Message, error) {
	msgs, err := storage.Read[Message](ctx, l.cache, l.key)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

// PushWindow records a log position in the active window, dropping the
// oldest once WindowCapacity is reached.
func (l *Log) PushWindow(ctx context.Context, pos int) error {
	if err := l.cache.Save(ctx, l.windowKey, pos, WindowCapacity); err != nil {
		return fmt.Errorf("push window: %w", err)
	}
	return nil
}

func (l *Log) Window(ctx context.Context) ([]int, error) {
	idx, err := storage.Read[int](ctx, l.cache, l.windowKey)
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	return idx, nil
}

// WindowMessages resolves the window against the log. Positions that fall
// outside the log are skipped.
func (l *Log) WindowMessages(ctx context.Context) ([]Message, error) {
	idx, err := l.Window(ctx)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, nil
	}
	msgs, err := l.Messages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(msgs) {
			continue
		}
		out = append(out, msgs[i])
	}
	return out, nil
}

// WindowText joins the window's message contents with newlines.
func (l *Log) WindowText(ctx context.Context) (string, error) {
	msgs, err := l.WindowMessages(ctx)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n"), nil
}

// LastAssistant returns the most recent persistent assistant message, or
// nil when there is none.
func (l *Log) LastAssistant(ctx context.Context) (*Message, error) {
	msgs, err := l.Messages(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].Persistence == Persistent {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}
