package store

import (
	"context"
	"fmt"
	"time"
)

// TokenCost is one recorded token usage row with its computed USD cost.
type TokenCost struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordTokenCost appends one usage row.
func (s *Store) RecordTokenCost(ctx context.Context, tc *TokenCost) error {
	created := tc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_costs
		    (provider, model, request_id, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.Provider, tc.Model, tc.RequestID, tc.InputTokens, tc.OutputTokens,
		tc.CostUSD, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: record token cost: %w", err)
	}
	return nil
}

// CostSummary aggregates token usage across all providers.
type CostSummary struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// CostSummarySince totals usage for rows newer than the cutoff. A zero cutoff
// totals everything.
func (s *Store) CostSummarySince(ctx context.Context, since time.Time) (*CostSummary, error) {
	var sum CostSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM token_costs
		WHERE created_at >= ?`, since.UTC()).Scan(
		&sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("store: cost summary: %w", err)
	}
	return &sum, nil
}

// ProviderCost is one provider's share of the cost summary.
type ProviderCost struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// CostByProviderSince breaks the summary down per provider, highest spend
// first.
func (s *Store) CostByProviderSince(ctx context.Context, since time.Time) ([]*ProviderCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM token_costs
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY SUM(cost_usd) DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: cost by provider: %w", err)
	}
	defer rows.Close()

	var out []*ProviderCost
	for rows.Next() {
		var pc ProviderCost
		if err := rows.Scan(&pc.Provider, &pc.Requests, &pc.InputTokens,
			&pc.OutputTokens, &pc.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("store: cost by provider scan: %w", err)
		}
		out = append(out, &pc)
	}
	return out, rows.Err()
}

// DailyCost is one calendar day's total spend.
type DailyCost struct {
	Day          string  `json:"day"`
	Requests     int64   `json:"requests"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// CostByDay returns per-day spend for the last n days, oldest first.
func (s *Store) CostByDay(ctx context.Context, days int) ([]*DailyCost, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT DATE(created_at),
		       COUNT(*),
		       COALESCE(SUM(cost_usd), 0)
		FROM token_costs
		WHERE created_at >= ?
		GROUP BY DATE(created_at)
		ORDER BY DATE(created_at) ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("store: cost by day: %w", err)
	}
	defer rows.Close()

	var out []*DailyCost
	for rows.Next() {
		var dc DailyCost
		if err := rows.Scan(&dc.Day, &dc.Requests, &dc.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("store: cost by day scan: %w", err)
		}
		out = append(out, &dc)
	}
	return out, rows.Err()
}
