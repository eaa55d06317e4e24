// Package openaicompat adapts any OpenAI-compatible chat completions API
// (OpenAI itself, xAI, Groq, DeepSeek, Together AI, Cerebras, etc.) to the
// backend interface.
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

const defaultModel = "gpt-4o-mini"

// Config holds the adapter settings.
type Config struct {
	// Name is the provider identifier used for routing and logs.
	Name string

	// APIKey is sent as "Authorization: Bearer <key>".
	APIKey string

	// BaseURL overrides the API endpoint, e.g. "https://api.x.ai/v1".
	BaseURL string

	// Model is the default chat model.
	Model string

	// HTTPTimeout bounds individual HTTP calls. Default: 120s.
	HTTPTimeout time.Duration
}

// Backend is an OpenAI-compatible chat backend.
type Backend struct {
	cfg    Config
	client openaiSDK.Client
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Backend{
		cfg:    cfg,
		client: openaiSDK.NewClient(opts...),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, req *core.Request) (*backend.Result, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.params(req))
	if err != nil {
		return nil, b.wrapError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &backend.Result{
		Response:     content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TokensUsed:   int(resp.Usage.TotalTokens),
	}, nil
}

// ExecuteStream implements backend.Streamer.
func (b *Backend) ExecuteStream(ctx context.Context, req *core.Request, emit backend.ChunkFunc) (*backend.Result, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, b.params(req))

	var (
		full   string
		model  string
		result backend.Result
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full += delta
			emit(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, b.wrapError(err)
	}

	result.Response = full
	result.Model = model
	return &result, nil
}

// CheckHealth implements backend.Backend via a models listing.
func (b *Backend) CheckHealth(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return b.wrapError(err)
	}
	return nil
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() error { return nil }

func (b *Backend) params(req *core.Request) openaiSDK.ChatCompletionNewParams {
	model := req.MetaString("model")
	if model == "" {
		model = b.cfg.Model
	}
	return openaiSDK.ChatCompletionNewParams{
		Model: model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Message),
		},
	}
}

func (b *Backend) wrapError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &backend.Error{
			Provider:   b.cfg.Name,
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			AuthError:  sdkErr.StatusCode == 401 || sdkErr.StatusCode == 403,
			Retryable:  sdkErr.StatusCode == 429 || sdkErr.StatusCode >= 500,
		}
	}
	return err
}
