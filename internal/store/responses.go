package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// SaveResponse persists the terminal outcome of a request. The row is written
// exactly once; a second write for the same request id is rejected by the
// primary key.
func (s *Store) SaveResponse(ctx context.Context, resp *core.Response) error {
	meta, err := marshalMeta(resp.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses
		    (request_id, status, response, error, provider, latency_ms,
		     tokens_used, thinking, raw_output, cached, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.RequestID, string(resp.Status), resp.Response, resp.Error,
		resp.Provider, resp.LatencyMs, resp.Tokens, resp.Thinking,
		resp.RawOutput, boolInt(resp.Cached), resp.CreatedAt.UTC(), meta,
	)
	if err != nil {
		return fmt.Errorf("store: save response %s: %w", resp.RequestID, err)
	}
	return nil
}

// GetResponse loads the response for a request, or ErrNotFound if the request
// has not reached a terminal state yet.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*core.Response, error) {
	var (
		resp   core.Response
		status string
		cached int
		meta   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, status, response, error, provider, latency_ms,
		       tokens_used, thinking, raw_output, cached, created_at, metadata
		FROM responses WHERE request_id = ?`, requestID).Scan(
		&resp.RequestID, &status, &resp.Response, &resp.Error, &resp.Provider,
		&resp.LatencyMs, &resp.Tokens, &resp.Thinking, &resp.RawOutput,
		&cached, &resp.CreatedAt, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get response %s: %w", requestID, err)
	}

	resp.Status = core.Status(status)
	resp.Cached = cached != 0
	resp.Metadata = unmarshalMeta(meta)
	return &resp, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
