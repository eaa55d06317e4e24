package store

import (
	"context"
	"fmt"
	"time"
)

// MetricEvent is one recorded provider interaction.
type MetricEvent struct {
	Provider  string    `json:"provider"`
	EventType string    `json:"event_type"`
	LatencyMs int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordMetric appends one provider interaction row.
func (s *Store) RecordMetric(ctx context.Context, m *MetricEvent) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (provider, event_type, latency_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Provider, m.EventType, m.LatencyMs, boolInt(m.Success), m.Error, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: record metric: %w", err)
	}
	return nil
}

// ProviderMetrics summarizes one provider's recorded interactions over a
// lookback window.
type ProviderMetrics struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ProviderMetricsSince aggregates per-provider success rate and latency for
// rows newer than the cutoff. Used by the router's performance score.
func (s *Store) ProviderMetricsSince(ctx context.Context, since time.Time) (map[string]*ProviderMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider,
		       COUNT(*),
		       SUM(success),
		       AVG(latency_ms)
		FROM metrics
		WHERE created_at >= ?
		GROUP BY provider`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: provider metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ProviderMetrics)
	for rows.Next() {
		var (
			pm        ProviderMetrics
			successes int64
		)
		if err := rows.Scan(&pm.Provider, &pm.Requests, &successes, &pm.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("store: provider metrics scan: %w", err)
		}
		pm.Successes = successes
		pm.Failures = pm.Requests - successes
		if pm.Requests > 0 {
			pm.SuccessRate = float64(successes) / float64(pm.Requests)
		}
		out[pm.Provider] = &pm
	}
	return out, rows.Err()
}

// CleanupMetricsOlderThan removes metric rows older than the retention window.
func (s *Store) CleanupMetricsOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics WHERE created_at < ?`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("store: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}
