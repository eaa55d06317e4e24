// Package auth manages API keys and gates the HTTP surface.
//
// Key material is stored only as a SHA-256 hash; the plaintext key is shown
// exactly once, at creation. The middleware checks a configurable header
// against enabled keys and skips configured public paths.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// keyPrefix marks gateway-issued keys so they are recognizable in configs
// and logs.
const keyPrefix = "agw_"

// HashKey returns the hex SHA-256 of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Manager owns API key issuance and verification.
type Manager struct {
	store *store.Store
	log   *slog.Logger
}

// NewManager creates a Manager over the state store.
func NewManager(st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: st,
		log:   log.With(slog.String("component", "auth")),
	}
}

// IssuedKey is returned once from Create; the Key field is never
// recoverable afterwards.
type IssuedKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Create mints a new API key.
func (m *Manager) Create(ctx context.Context, name string) (*IssuedKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("auth: key name required")
	}

	plaintext := keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	rec := &store.APIKeyRecord{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashKey(plaintext),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateAPIKey(ctx, rec); err != nil {
		return nil, err
	}

	m.log.Info("api key created",
		slog.String("id", rec.ID),
		slog.String("name", name),
	)
	return &IssuedKey{
		ID:        rec.ID,
		Name:      name,
		Key:       plaintext,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// Verify resolves a plaintext key to its record. Unknown and disabled keys
// fail identically.
func (m *Manager) Verify(ctx context.Context, key string) (*store.APIKeyRecord, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return m.store.LookupAPIKeyByHash(ctx, HashKey(key))
}

// List returns every key record.
func (m *Manager) List(ctx context.Context) ([]*store.APIKeyRecord, error) {
	return m.store.ListAPIKeys(ctx)
}

// SetEnabled toggles a key.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return m.store.SetAPIKeyEnabled(ctx, id, enabled)
}

// Delete removes a key permanently.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteAPIKey(ctx, id)
}

// MiddlewareOptions configures the auth middleware.
type MiddlewareOptions struct {
	// Enabled gates the whole middleware; disabled means open access.
	Enabled bool

	// Header is where clients send their key. Default: X-API-Key.
	Header string

	// PublicPaths are exact path prefixes served without a key.
	PublicPaths []string

	// AllowLocalhost skips auth for loopback clients (operator tooling).
	AllowLocalhost bool
}

// ClientIDKey is the fasthttp user value holding the authenticated client
// identity for downstream handlers (rate limiting, logging).
const ClientIDKey = "auth_client_id"

// Middleware wraps a handler with API key verification.
func (m *Manager) Middleware(opts MiddlewareOptions, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if !opts.Enabled {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetUserValue(ClientIDKey, ctx.RemoteIP().String())
			next(ctx)
		}
	}
	header := opts.Header
	if header == "" {
		header = "X-API-Key"
	}

	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		for _, public := range opts.PublicPaths {
			if strings.HasPrefix(path, public) {
				ctx.SetUserValue(ClientIDKey, ctx.RemoteIP().String())
				next(ctx)
				return
			}
		}

		if opts.AllowLocalhost && ctx.RemoteIP().IsLoopback() {
			ctx.SetUserValue(ClientIDKey, "localhost")
			next(ctx)
			return
		}

		key := string(ctx.Request.Header.Peek(header))
		rec, err := m.Verify(ctx, key)
		if err != nil {
			apierr.Unauthorized(ctx, "invalid or missing API key")
			return
		}

		ctx.SetUserValue(ClientIDKey, rec.ID)
		next(ctx)
	}
}
