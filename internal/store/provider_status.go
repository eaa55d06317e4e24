package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// ProviderStatusRecord is the persisted snapshot of one provider's health.
type ProviderStatusRecord struct {
	Provider  string              `json:"provider"`
	Status    core.ProviderStatus `json:"status"`
	LatencyMs int64               `json:"latency_ms"`
	LastError string              `json:"last_error,omitempty"`
	CheckedAt time.Time           `json:"checked_at"`
}

// SaveProviderStatus upserts the latest health snapshot for a provider.
func (s *Store) SaveProviderStatus(ctx context.Context, r *ProviderStatusRecord) error {
	checked := r.CheckedAt
	if checked.IsZero() {
		checked = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_status (provider, status, latency_ms, last_error, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
		    status = excluded.status,
		    latency_ms = excluded.latency_ms,
		    last_error = excluded.last_error,
		    checked_at = excluded.checked_at`,
		r.Provider, string(r.Status), r.LatencyMs, r.LastError, checked.UTC())
	if err != nil {
		return fmt.Errorf("store: save provider status %s: %w", r.Provider, err)
	}
	return nil
}

// GetProviderStatus loads one provider's last snapshot.
func (s *Store) GetProviderStatus(ctx context.Context, provider string) (*ProviderStatusRecord, error) {
	var (
		r      ProviderStatusRecord
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, status, latency_ms, last_error, checked_at
		FROM provider_status WHERE provider = ?`, provider).Scan(
		&r.Provider, &status, &r.LatencyMs, &r.LastError, &r.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider status %s: %w", provider, err)
	}
	r.Status = core.ProviderStatus(status)
	return &r, nil
}

// ListProviderStatus loads every provider's last snapshot.
func (s *Store) ListProviderStatus(ctx context.Context) ([]*ProviderStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, status, latency_ms, last_error, checked_at
		FROM provider_status ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("store: list provider status: %w", err)
	}
	defer rows.Close()

	var out []*ProviderStatusRecord
	for rows.Next() {
		var (
			r      ProviderStatusRecord
			status string
		)
		if err := rows.Scan(&r.Provider, &status, &r.LatencyMs, &r.LastError, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("store: list provider status scan: %w", err)
		}
		r.Status = core.ProviderStatus(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}
