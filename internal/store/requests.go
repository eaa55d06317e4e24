package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateRequest persists a new request row.
func (s *Store) CreateRequest(ctx context.Context, req *core.Request) error {
	meta, err := marshalMeta(req.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests
		    (id, provider, message, priority, timeout_s, status, backend_type,
		     created_at, updated_at, started_at, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Provider, req.Message, req.Priority, req.Timeout.Seconds(),
		string(req.Status), req.BackendType,
		req.CreatedAt.UTC(), req.UpdatedAt.UTC(),
		nullTime(req.StartedAt), nullTime(req.CompletedAt), meta,
	)
	if err != nil {
		return fmt.Errorf("store: create request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest loads one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*core.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, message, priority, timeout_s, status, backend_type,
		       created_at, updated_at, started_at, completed_at, metadata
		FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// UpdateRequestStatus advances a request's status, stamping started_at on the
// first Processing transition and completed_at on terminal transitions.
// Transitions out of a terminal status are rejected.
func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status core.Status) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
		    status = ?,
		    updated_at = ?,
		    started_at = CASE WHEN ? = 'processing' AND started_at IS NULL THEN ? ELSE started_at END,
		    completed_at = CASE WHEN ? IN ('completed','failed','cancelled','timeout') AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE id = ?
		  AND status NOT IN ('completed','failed','cancelled','timeout')`,
		string(status), now, string(status), now, string(status), now, id,
	)
	if err != nil {
		return fmt.Errorf("store: update request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update request %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update request %s to %s: %w", id, status, ErrNotFound)
	}
	return nil
}

// UpdateRequestMetadata replaces the stored metadata bag (used after pre-hooks
// mutate the message context).
func (s *Store) UpdateRequestMetadata(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE requests SET metadata = ?, updated_at = ? WHERE id = ?`,
		meta, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store: update request metadata %s: %w", id, err)
	}
	return nil
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status   core.Status
	Provider string
	Limit    int
	Offset   int
}

// ListRequests returns requests newest-first, filtered by status/provider.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]*core.Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}

	q := `SELECT id, provider, message, priority, timeout_s, status, backend_type,
	             created_at, updated_at, started_at, completed_at, metadata
	      FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var out []*core.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CleanupRequestsOlderThan removes terminal requests (and their responses and
// stream entries) whose completion is older than the TTL. Returns the number
// of requests removed.
func (s *Store) CleanupRequestsOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	// Children first so a failure between statements never orphans rows
	// pointing at a deleted parent.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM stream_entries WHERE request_id IN (
		    SELECT id FROM requests
		    WHERE status IN ('completed','failed','cancelled','timeout')
		      AND completed_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("store: cleanup stream entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM responses WHERE request_id IN (
		    SELECT id FROM requests
		    WHERE status IN ('completed','failed','cancelled','timeout')
		      AND completed_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("store: cleanup responses: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM requests
		WHERE status IN ('completed','failed','cancelled','timeout')
		  AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup requests: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*core.Request, error) {
	var (
		req       core.Request
		status    string
		timeoutS  float64
		started   sql.NullTime
		completed sql.NullTime
		meta      string
	)
	err := row.Scan(
		&req.ID, &req.Provider, &req.Message, &req.Priority, &timeoutS,
		&status, &req.BackendType,
		&req.CreatedAt, &req.UpdatedAt, &started, &completed, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}

	req.Status = core.Status(status)
	req.Timeout = time.Duration(timeoutS * float64(time.Second))
	if started.Valid {
		t := started.Time
		req.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		req.CompletedAt = &t
	}
	req.Metadata = unmarshalMeta(meta)
	return &req, nil
}
