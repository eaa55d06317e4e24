package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is one cached provider response keyed by (provider, fingerprint).
type CacheEntry struct {
	Provider    string     `json:"provider"`
	Fingerprint string     `json:"fingerprint"`
	Response    string     `json:"response"`
	TokensUsed  int        `json:"tokens_used"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	HitCount    int64      `json:"hit_count"`
	LastHitAt   *time.Time `json:"last_hit_at,omitempty"`
}

// CacheGet looks up a live cache entry and bumps its hit counter atomically.
// Expired entries are treated as misses.
func (s *Store) CacheGet(ctx context.Context, provider, fingerprint string) (*CacheEntry, error) {
	now := time.Now().UTC()

	// The UPDATE doubles as the liveness check so the hit bump and the read
	// cannot race with an expiry sweep.
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE provider = ? AND fingerprint = ? AND expires_at > ?`,
		now, provider, fingerprint, now)
	if err != nil {
		return nil, fmt.Errorf("store: cache get: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: cache get: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	var (
		e       CacheEntry
		lastHit sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT provider, fingerprint, response, tokens_used, created_at,
		       expires_at, hit_count, last_hit_at
		FROM cache_entries WHERE provider = ? AND fingerprint = ?`,
		provider, fingerprint).Scan(
		&e.Provider, &e.Fingerprint, &e.Response, &e.TokensUsed,
		&e.CreatedAt, &e.ExpiresAt, &e.HitCount, &lastHit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: cache get: %w", err)
	}
	if lastHit.Valid {
		t := lastHit.Time
		e.LastHitAt = &t
	}
	return &e, nil
}

// CachePut inserts or replaces a cache entry, resetting its hit counter.
func (s *Store) CachePut(ctx context.Context, e *CacheEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
		    (provider, fingerprint, response, tokens_used, created_at,
		     expires_at, hit_count, last_hit_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT (provider, fingerprint) DO UPDATE SET
		    response = excluded.response,
		    tokens_used = excluded.tokens_used,
		    created_at = excluded.created_at,
		    expires_at = excluded.expires_at,
		    hit_count = 0,
		    last_hit_at = NULL`,
		e.Provider, e.Fingerprint, e.Response, e.TokensUsed,
		created.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	return nil
}

// CacheCleanupExpired removes entries past their expiry.
func (s *Store) CacheCleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: cache cleanup: %w", err)
	}
	return res.RowsAffected()
}

// CacheEnforceMaxEntries evicts least-recently-hit entries until at most max
// remain. Entries never hit fall back to creation time for recency.
func (s *Store) CacheEnforceMaxEntries(ctx context.Context, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE (provider, fingerprint) NOT IN (
		    SELECT provider, fingerprint FROM cache_entries
		    ORDER BY COALESCE(last_hit_at, created_at) DESC
		    LIMIT ?)`, max)
	if err != nil {
		return 0, fmt.Errorf("store: cache enforce max: %w", err)
	}
	return res.RowsAffected()
}

// CacheClear removes every entry, or only one provider's when provider is
// non-empty. Returns the number removed.
func (s *Store) CacheClear(ctx context.Context, provider string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if provider == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE provider = ?`, provider)
	}
	if err != nil {
		return 0, fmt.Errorf("store: cache clear: %w", err)
	}
	return res.RowsAffected()
}

// CacheStats summarizes the cache table.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	Expired   int64 `json:"expired"`
	TotalHits int64 `json:"total_hits"`
}

// CacheStatsNow computes table-wide cache statistics.
func (s *Store) CacheStatsNow(ctx context.Context) (*CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(hit_count), 0)
		FROM cache_entries`, time.Now().UTC()).Scan(
		&st.Entries, &st.Expired, &st.TotalHits)
	if err != nil {
		return nil, fmt.Errorf("store: cache stats: %w", err)
	}
	return &st, nil
}

// ProviderCacheStats is one provider's slice of the cache table.
type ProviderCacheStats struct {
	Provider  string `json:"provider"`
	Entries   int64  `json:"entries"`
	TotalHits int64  `json:"total_hits"`
}

// CacheStatsByProvider breaks cache statistics down per provider.
func (s *Store) CacheStatsByProvider(ctx context.Context) ([]*ProviderCacheStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*), COALESCE(SUM(hit_count), 0)
		FROM cache_entries
		GROUP BY provider
		ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("store: cache stats by provider: %w", err)
	}
	defer rows.Close()

	var out []*ProviderCacheStats
	for rows.Next() {
		var ps ProviderCacheStats
		if err := rows.Scan(&ps.Provider, &ps.Entries, &ps.TotalHits); err != nil {
			return nil, fmt.Errorf("store: cache stats scan: %w", err)
		}
		out = append(out, &ps)
	}
	return out, rows.Err()
}

// CacheTopEntries returns the most-hit live entries, response bodies omitted.
func (s *Store) CacheTopEntries(ctx context.Context, limit int) ([]*CacheEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, fingerprint, tokens_used, created_at, expires_at,
		       hit_count, last_hit_at
		FROM cache_entries
		WHERE expires_at > ?
		ORDER BY hit_count DESC
		LIMIT ?`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: cache top entries: %w", err)
	}
	defer rows.Close()

	var out []*CacheEntry
	for rows.Next() {
		var (
			e       CacheEntry
			lastHit sql.NullTime
		)
		if err := rows.Scan(&e.Provider, &e.Fingerprint, &e.TokensUsed,
			&e.CreatedAt, &e.ExpiresAt, &e.HitCount, &lastHit); err != nil {
			return nil, fmt.Errorf("store: cache top entries scan: %w", err)
		}
		if lastHit.Valid {
			t := lastHit.Time
			e.LastHitAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
