// Package cli adapts a local command-line model runner to the backend
// interface.
//
// The configured command is spawned per request with the message on stdin;
// stdout is the response, stderr is captured for error reporting. This is
// how locally installed assistants (claude, gemini-cli, codex and similar)
// plug into the gateway without an HTTP API.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Config holds the adapter settings.
type Config struct {
	// Name is the provider identifier.
	Name string

	// Command is the executable to run. Required.
	Command string

	// Args are passed before the message-bearing stdin.
	Args []string

	// HealthTimeout bounds the health probe invocation. Default: 10s.
	HealthTimeout time.Duration
}

// Backend runs a subprocess per request.
type Backend struct {
	cfg Config
}

// New creates the backend. The command must exist on PATH (or be absolute).
func New(cfg Config) (*Backend, error) {
	if cfg.Command == "" {
		return nil, errors.New("cli: command required")
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("cli: %s: %w", cfg.Command, err)
	}
	return &Backend{cfg: cfg}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, req *core.Request) (*backend.Result, error) {
	cmd := exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
	cmd.Stdin = strings.NewReader(req.Message)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &backend.Error{
			Provider:  b.cfg.Name,
			Message:   msg,
			Retryable: true,
		}
	}

	out := strings.TrimSpace(stdout.String())
	return &backend.Result{
		Response:  out,
		RawOutput: stdout.String(),
	}, nil
}

// CheckHealth implements backend.Backend by verifying the binary still
// resolves and answers --version.
func (b *Backend) CheckHealth(ctx context.Context) error {
	if _, err := exec.LookPath(b.cfg.Command); err != nil {
		return fmt.Errorf("cli: %s: %w", b.cfg.Command, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.HealthTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, b.cfg.Command, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cli: %s --version: %w", b.cfg.Command, err)
	}
	return nil
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() error { return nil }
