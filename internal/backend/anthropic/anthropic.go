// Package anthropic adapts the Anthropic Messages API to the backend
// interface using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Config holds the adapter settings.
type Config struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	HTTPTimeout time.Duration
}

// Backend is the Anthropic chat backend.
type Backend struct {
	cfg    Config
	client anthropicSDK.Client
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
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
		client: anthropicSDK.NewClient(opts...),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, req *core.Request) (*backend.Result, error) {
	msg, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return nil, b.wrapError(err)
	}

	var sb strings.Builder
	var thinking strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case anthropicSDK.ThinkingBlock:
			thinking.WriteString(v.Thinking)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &backend.Result{
		Response:     sb.String(),
		Thinking:     thinking.String(),
		Model:        string(msg.Model),
		InputTokens:  in,
		OutputTokens: out,
		TokensUsed:   in + out,
	}, nil
}

// ExecuteStream implements backend.Streamer.
func (b *Backend) ExecuteStream(ctx context.Context, req *core.Request, emit backend.ChunkFunc) (*backend.Result, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.params(req))

	var full strings.Builder
	for stream.Next() {
		ev := stream.Current()
		switch event := ev.AsAny().(type) {
		case anthropicSDK.ContentBlockDeltaEvent:
			if delta, ok := event.Delta.AsAny().(anthropicSDK.TextDelta); ok && delta.Text != "" {
				full.WriteString(delta.Text)
				emit(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, b.wrapError(err)
	}

	return &backend.Result{
		Response: full.String(),
		Model:    b.cfg.Model,
	}, nil
}

// CheckHealth implements backend.Backend via a one-item models listing.
func (b *Backend) CheckHealth(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return b.wrapError(err)
	}
	return nil
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() error { return nil }

func (b *Backend) params(req *core.Request) anthropicSDK.MessageNewParams {
	model := req.MetaString("model")
	if model == "" {
		model = b.cfg.Model
	}
	return anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropicSDK.MessageParam{
			anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(req.Message)),
		},
	}
}

func (b *Backend) wrapError(err error) error {
	var sdkErr *anthropicSDK.Error
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
