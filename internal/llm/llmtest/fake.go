// Package llmtest provides an in-memory Gateway for tests.
package llmtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/stellarlinkco/ragclaw/internal/llm"
)

const Dim = 64

// Fake answers chat requests through Respond and embeds text with a
// deterministic bag-of-words hash, so identical texts score 1.0 and texts
// sharing no words score 0.
type Fake struct {
	Respond  func(req llm.ChatRequest) (string, error)
	EmbedErr error
	Flagged  map[string]bool

	mu       sync.Mutex
	requests []llm.ChatRequest
	embeds   int
}

var _ llm.Gateway = (*Fake)(nil)

func (f *Fake) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Respond == nil {
		return "ok", nil
	}
	return f.Respond(req)
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embeds++
	f.mu.Unlock()
	if f.EmbedErr != nil {
		return nil, fmt.Errorf("embed: %w: %w", llm.ErrRemoteCall, f.EmbedErr)
	}
	return HashEmbed(text), nil
}

func (f *Fake) Moderate(ctx context.Context, text string) (bool, error) {
	if len(text) >= llm.ModerationLimit {
		return false, nil
	}
	return !f.Flagged[text], nil
}

// Requests returns a copy of every chat request seen so far.
func (f *Fake) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *Fake) EmbedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embeds
}

// HashEmbed maps lower-cased words to buckets of a unit vector.
func HashEmbed(text string) []float32 {
	vec := make([]float32, Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%Dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
