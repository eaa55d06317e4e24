package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// AppendStreamEntries writes a batch of stream log rows in one transaction.
// The stream manager accumulates entries and flushes them here.
func (s *Store) AppendStreamEntries(ctx context.Context, entries []*core.StreamEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append stream entries: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stream_entries
		    (request_id, type, content, chunk_index, success, elapsed_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: append stream entries: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.RequestID, string(e.Type),
			e.Content, e.Index, boolInt(e.Success), e.ElapsedMs, ts.UTC()); err != nil {
			return fmt.Errorf("store: append stream entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append stream entries: %w", err)
	}
	return nil
}

// StreamEntryFilter narrows GetStreamEntries.
type StreamEntryFilter struct {
	Type  core.StreamEntryType
	Since time.Time
	Limit int
}

// GetStreamEntries returns a request's stream log in append order.
func (s *Store) GetStreamEntries(ctx context.Context, requestID string, f StreamEntryFilter) ([]*core.StreamEntry, error) {
	var (
		where = []string{"request_id = ?"}
		args  = []any{requestID}
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	q := `SELECT id, request_id, type, content, chunk_index, success, elapsed_ms, timestamp
	      FROM stream_entries WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get stream entries %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []*core.StreamEntry
	for rows.Next() {
		var (
			e       core.StreamEntry
			typ     string
			success int
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &typ, &e.Content,
			&e.Index, &success, &e.ElapsedMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: stream entry scan: %w", err)
		}
		e.Type = core.StreamEntryType(typ)
		e.Success = success != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SearchThinking returns requests whose thinking entries contain the given
// substring, newest first.
func (s *Store) SearchThinking(ctx context.Context, query string, limit int) ([]*core.StreamEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, type, content, chunk_index, success, elapsed_ms, timestamp
		FROM stream_entries
		WHERE type = 'thinking' AND content LIKE ?
		ORDER BY id DESC
		LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search thinking: %w", err)
	}
	defer rows.Close()

	var out []*core.StreamEntry
	for rows.Next() {
		var (
			e       core.StreamEntry
			typ     string
			success int
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &typ, &e.Content,
			&e.Index, &success, &e.ElapsedMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: search thinking scan: %w", err)
		}
		e.Type = core.StreamEntryType(typ)
		e.Success = success != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}
