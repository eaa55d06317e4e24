// Package mock provides a deterministic in-process backend for local
// development and integration tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Config holds the mock settings.
type Config struct {
	// Name is the provider identifier. Default: "mock".
	Name string

	// Delay simulates upstream latency.
	Delay time.Duration

	// FailFirst makes the first N Execute calls fail, then succeed. Useful
	// for retry scenarios.
	FailFirst int

	// FailStatus is the HTTP status of FailFirst failures. Default: 503.
	FailStatus int

	// Response overrides the echoed reply.
	Response string
}

// Backend echoes requests back after an optional delay.
type Backend struct {
	cfg   Config
	calls atomic.Int64
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	return &Backend{cfg: cfg}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, req *core.Request) (*backend.Result, error) {
	call := b.calls.Add(1)

	if b.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.Delay):
		}
	}

	if int(call) <= b.cfg.FailFirst {
		status := b.cfg.FailStatus
		if status == 0 {
			status = 503
		}
		return nil, &backend.Error{
			Provider:   b.cfg.Name,
			StatusCode: status,
			Message:    "mock failure",
			Retryable:  status >= 500,
		}
	}

	response := b.cfg.Response
	if response == "" {
		response = "echo: " + req.Message
	}
	return &backend.Result{
		Response:     response,
		Model:        "mock-1",
		TokensUsed:   len(req.Message)/4 + len(response)/4,
		InputTokens:  len(req.Message) / 4,
		OutputTokens: len(response) / 4,
	}, nil
}

// ExecuteStream implements backend.Streamer, emitting the reply in two
// chunks.
func (b *Backend) ExecuteStream(ctx context.Context, req *core.Request, emit backend.ChunkFunc) (*backend.Result, error) {
	result, err := b.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	half := len(result.Response) / 2
	emit(result.Response[:half])
	emit(result.Response[half:])
	return result, nil
}

// CheckHealth implements backend.Backend.
func (b *Backend) CheckHealth(context.Context) error { return nil }

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() error { return nil }

// Calls reports how many Execute calls were made.
func (b *Backend) Calls() int64 { return b.calls.Load() }
