// Package backend defines the contract between the gateway core and the
// per-provider adapters (hosted LLM APIs and CLI subprocesses).
//
// Each adapter lives in its own sub-package and implements the Backend
// interface. The engine treats every backend as opaque: Execute transforms a
// request into a Result, CheckHealth answers a bounded liveness probe, and
// Shutdown releases resources.
package backend

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Result is the normalized outcome of one backend execution.
type Result struct {
	Response     string
	Model        string
	TokensUsed   int
	InputTokens  int
	OutputTokens int
	Thinking     string
	RawOutput    string
}

// Backend is the adapter interface every provider implements.
//
// Execute must honor req.Timeout via ctx and must not mutate the request.
// CheckHealth must return within the deadline carried by ctx.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req *core.Request) (*Result, error)
	CheckHealth(ctx context.Context) error
	Shutdown() error
}

// ChunkFunc receives incremental response fragments during streaming
// execution.
type ChunkFunc func(chunk string)

// Streamer is implemented by backends that can emit incremental chunks.
// Backends without it are executed whole and chunked after the fact.
type Streamer interface {
	ExecuteStream(ctx context.Context, req *core.Request, emit ChunkFunc) (*Result, error)
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
// The retry executor uses it for error classification.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	AuthError  bool
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }
