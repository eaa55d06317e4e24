package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// APIKeyRecord is the stored form of one API key. Only the SHA-256 hash of
// the key material is kept.
type APIKeyRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// CreateAPIKey persists a new key record.
func (s *Store) CreateAPIKey(ctx context.Context, r *APIKeyRecord) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, enabled, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		r.ID, r.Name, r.KeyHash, boolInt(r.Enabled), created.UTC())
	if err != nil {
		return fmt.Errorf("store: create api key %s: %w", r.Name, err)
	}
	return nil
}

// LookupAPIKeyByHash finds an enabled key by its hash and stamps last_used.
// Disabled or unknown hashes return ErrNotFound.
func (s *Store) LookupAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error) {
	r, err := s.getAPIKey(ctx, "key_hash = ?", hash)
	if err != nil {
		return nil, err
	}
	if !r.Enabled {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE id = ?`, now, r.ID); err != nil {
		return nil, fmt.Errorf("store: stamp api key %s: %w", r.ID, err)
	}
	r.LastUsed = &now
	return r, nil
}

// SetAPIKeyEnabled enables or disables a key by id.
func (s *Store) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("store: set api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set api key %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: set api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAPIKey removes a key by id.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete api key %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: delete api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListAPIKeys returns every key record, hashes included only internally.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_hash, enabled, created_at, last_used
		FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKeyRecord
	for rows.Next() {
		r, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) getAPIKey(ctx context.Context, where string, arg any) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, enabled, created_at, last_used
		FROM api_keys WHERE `+where, arg)
	return scanAPIKey(row)
}

func scanAPIKey(row rowScanner) (*APIKeyRecord, error) {
	var (
		r        APIKeyRecord
		enabled  int
		lastUsed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Name, &r.KeyHash, &enabled, &r.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan api key: %w", err)
	}
	r.Enabled = enabled != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		r.LastUsed = &t
	}
	return &r, nil
}
