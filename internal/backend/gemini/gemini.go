// Package gemini adapts the Google Gemini API to the backend interface
// using the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

const defaultModel = "gemini-2.0-flash"

// Config holds the adapter settings.
type Config struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	HTTPTimeout time.Duration
}

// Backend is the Gemini chat backend.
type Backend struct {
	cfg    Config
	client *genai.Client
}

// New creates the backend. The context is used only for client construction.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Backend{cfg: cfg, client: client}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, req *core.Request) (*backend.Result, error) {
	resp, err := b.client.Models.GenerateContent(ctx, b.model(req), b.contents(req), nil)
	if err != nil {
		return nil, b.wrapError(err)
	}

	result := &backend.Result{Model: b.model(req)}
	if resp != nil {
		result.Response = resp.Text()
		if resp.UsageMetadata != nil {
			result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			result.TokensUsed = result.InputTokens + result.OutputTokens
		}
	}
	return result, nil
}

// ExecuteStream implements backend.Streamer.
func (b *Backend) ExecuteStream(ctx context.Context, req *core.Request, emit backend.ChunkFunc) (*backend.Result, error) {
	var full string
	for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model(req), b.contents(req), nil) {
		if err != nil {
			return nil, b.wrapError(err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			full += text
			emit(text)
		}
	}
	return &backend.Result{Response: full, Model: b.model(req)}, nil
}

// CheckHealth implements backend.Backend via a one-item models listing.
func (b *Backend) CheckHealth(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return b.wrapError(err)
	}
	return nil
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() error { return nil }

func (b *Backend) model(req *core.Request) string {
	if m := req.MetaString("model"); m != "" {
		return m
	}
	return b.cfg.Model
}

func (b *Backend) contents(req *core.Request) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(req.Message, genai.RoleUser)}
}

func (b *Backend) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &backend.Error{
			Provider:   b.cfg.Name,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			AuthError:  apiErr.Code == 401 || apiErr.Code == 403,
			Retryable:  apiErr.Code == 429 || apiErr.Code >= 500,
		}
	}
	return err
}
