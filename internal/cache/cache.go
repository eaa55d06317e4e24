// Package cache provides exact-match response caching in front of the
// backends.
//
// Keys are a SHA-256 fingerprint of the exact message, scoped per provider
// so identical prompts to different providers never collide. Storage is the
// durable state store; a cache failure degrades to a miss and never fails
// the request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/store"
)

// Options configures the Manager.
type Options struct {
	// Enabled gates all lookups and writes.
	Enabled bool

	// TTL is how long entries live. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the table; least-recently-hit entries are evicted
	// by the maintenance sweep. 0 means unbounded.
	MaxEntries int

	Logger *slog.Logger
}

// Manager is the response cache.
type Manager struct {
	store *store.Store
	opts  Options
	log   *slog.Logger
}

// New creates a Manager over the state store.
func New(st *store.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store: st,
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "cache")),
	}
}

// Enabled reports whether caching is on.
func (m *Manager) Enabled() bool { return m.opts.Enabled }

// Fingerprint derives the cache key for a message: SHA-256 over the text
// exactly as submitted. Messages differing only in case or whitespace are
// distinct entries.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

// Hit is a successful cache lookup.
type Hit struct {
	Response   string
	TokensUsed int
	HitCount   int64
	Age        time.Duration
}

// Get looks up a cached response. Returns (nil, false) on miss, on bypass,
// when disabled, and on storage errors.
func (m *Manager) Get(ctx context.Context, provider, message string, bypass bool) (*Hit, bool) {
	if !m.opts.Enabled || bypass {
		return nil, false
	}

	entry, err := m.store.CacheGet(ctx, provider, Fingerprint(message))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("cache lookup failed", slog.String("error", err.Error()))
		}
		return nil, false
	}

	return &Hit{
		Response:   entry.Response,
		TokensUsed: entry.TokensUsed,
		HitCount:   entry.HitCount,
		Age:        time.Since(entry.CreatedAt),
	}, true
}

// Put stores a successful response. Failures are logged, never surfaced.
func (m *Manager) Put(ctx context.Context, provider, message, response string, tokensUsed int) {
	if !m.opts.Enabled {
		return
	}

	now := time.Now().UTC()
	err := m.store.CachePut(ctx, &store.CacheEntry{
		Provider:    provider,
		Fingerprint: Fingerprint(message),
		Response:    response,
		TokensUsed:  tokensUsed,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.opts.TTL),
	})
	if err != nil {
		m.log.Warn("cache write failed", slog.String("error", err.Error()))
	}
}

// Sweep removes expired entries and enforces the size bound, returning how
// many rows each pass removed. Wired to the maintenance scheduler and the
// cleanup endpoint.
func (m *Manager) Sweep(ctx context.Context) (expired, evicted int64) {
	expired, err := m.store.CacheCleanupExpired(ctx)
	if err != nil {
		m.log.Warn("cache expiry sweep failed", slog.String("error", err.Error()))
		return 0, 0
	}

	if m.opts.MaxEntries > 0 {
		evicted, err = m.store.CacheEnforceMaxEntries(ctx, m.opts.MaxEntries)
		if err != nil {
			m.log.Warn("cache eviction sweep failed", slog.String("error", err.Error()))
			return expired, 0
		}
	}

	if expired > 0 || evicted > 0 {
		m.log.Info("cache sweep",
			slog.Int64("expired", expired),
			slog.Int64("evicted", evicted),
		)
	}
	return expired, evicted
}

// Clear drops the whole cache, or one provider's slice when provider is
// non-empty.
func (m *Manager) Clear(ctx context.Context, provider string) (int64, error) {
	return m.store.CacheClear(ctx, provider)
}

// Stats is the cache-wide statistics view.
type Stats struct {
	Enabled    bool                        `json:"enabled"`
	TTLSeconds float64                     `json:"ttl_seconds"`
	MaxEntries int                         `json:"max_entries"`
	Entries    int64                       `json:"entries"`
	Expired    int64                       `json:"expired"`
	TotalHits  int64                       `json:"total_hits"`
	ByProvider []*store.ProviderCacheStats `json:"by_provider,omitempty"`
}

// Stats returns current cache statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	st, err := m.store.CacheStatsNow(ctx)
	if err != nil {
		return nil, err
	}
	byProvider, err := m.store.CacheStatsByProvider(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Enabled:    m.opts.Enabled,
		TTLSeconds: m.opts.TTL.Seconds(),
		MaxEntries: m.opts.MaxEntries,
		Entries:    st.Entries,
		Expired:    st.Expired,
		TotalHits:  st.TotalHits,
		ByProvider: byProvider,
	}, nil
}

// TopEntries returns the most frequently hit live entries.
func (m *Manager) TopEntries(ctx context.Context, limit int) ([]*store.CacheEntry, error) {
	return m.store.CacheTopEntries(ctx, limit)
}
