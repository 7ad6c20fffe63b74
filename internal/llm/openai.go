package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/config"
)

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Timeout        time.Duration
	CacheSize      int
	HTTPClient     *http.Client
}

// OptionsFromConfig maps the provider and llm config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		CacheSize:      cfg.LLM.EmbeddingCacheSize,
	}
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	client         openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	cache          *embeddingCache
}

var _ Gateway = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("missing api key")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = time.Duration(config.DefaultLLMTimeoutSec) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(opts.APIKey)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}

	c := &Client{
		client:         openai.NewClient(reqOpts...),
		model:          firstNonEmpty(opts.Model, config.DefaultModel),
		embeddingModel: firstNonEmpty(opts.EmbeddingModel, config.DefaultEmbeddingModel),
		maxTokens:      opts.MaxTokens,
	}
	if opts.CacheSize > 0 {
		cache, err := newEmbeddingCache(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Chat sends req.Temperature as given; zero is a valid, deterministic setting.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	model := firstNonEmpty(req.Model, c.model)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w: %w", ErrRemoteCall, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: %w: empty choices", ErrRemoteCall)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("chat completion: %w: empty content", ErrRemoteCall)
	}
	log.Debugf("[llm] chat model=%s prompt_tokens=%d completion_tokens=%d", model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return content, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if vec, ok := c.cache.get(c.embeddingModel, text); ok {
		return vec, nil
	}

	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          c.embeddingModel,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %w", ErrRemoteCall, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: %w: empty embedding", ErrRemoteCall)
	}

	vec := float64sToFloat32s(resp.Data[0].Embedding)
	c.cache.set(c.embeddingModel, text, vec)
	return vec, nil
}

func (c *Client) Moderate(ctx context.Context, text string) (bool, error) {
	if len(text) >= ModerationLimit {
		return false, nil
	}
	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return false, fmt.Errorf("moderate: %w: %w", ErrRemoteCall, err)
	}
	for _, result := range resp.Results {
		if result.Flagged {
			return false, nil
		}
	}
	return true, nil
}

// Close releases the embedding cache.
func (c *Client) Close() {
	c.cache.close()
}

func float64sToFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
