package llm

import (
	"context"
	"errors"
)

// ErrRemoteCall wraps every failure of the remote model service: transport
// errors, non-2xx responses and empty replies.
var ErrRemoteCall = errors.New("remote call failure")

// ModerationLimit is the byte length at which text is rejected without
// asking the moderation endpoint.
const ModerationLimit = 10000

type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	Model       string
}

// Gateway is the only path from the assistant to the remote model service.
type Gateway interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	// Moderate reports whether text is allowed.
	Moderate(ctx context.Context, text string) (bool, error)
}

// Embedder is the subset of Gateway the vector store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
