package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// CreateDiscussionSession persists a new session.
func (s *Store) CreateDiscussionSession(ctx context.Context, sess *core.DiscussionSession) error {
	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discussion_sessions
		    (id, topic, providers, current_round, status, parent_session_id,
		     summary, summary_provider, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Topic, marshalStrings(sess.Providers), sess.CurrentRound,
		string(sess.Status), sess.ParentSessionID, sess.Summary,
		sess.Config.SummaryProvider, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), meta)
	if err != nil {
		return fmt.Errorf("store: create discussion %s: %w", sess.ID, err)
	}
	return nil
}

// GetDiscussionSession loads one session by id.
func (s *Store) GetDiscussionSession(ctx context.Context, id string) (*core.DiscussionSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, providers, current_round, status, parent_session_id,
		       summary, summary_provider, created_at, updated_at, metadata
		FROM discussion_sessions WHERE id = ?`, id)
	return scanDiscussionSession(row)
}

// ListDiscussionSessions returns sessions newest first.
func (s *Store) ListDiscussionSessions(ctx context.Context, limit, offset int) ([]*core.DiscussionSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, providers, current_round, status, parent_session_id,
		       summary, summary_provider, created_at, updated_at, metadata
		FROM discussion_sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list discussions: %w", err)
	}
	defer rows.Close()

	var out []*core.DiscussionSession
	for rows.Next() {
		sess, err := scanDiscussionSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateDiscussionSession advances the session's round, status, and summary.
// Terminal sessions are never modified.
func (s *Store) UpdateDiscussionSession(ctx context.Context, id string, round int, status core.DiscussionStatus, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discussion_sessions SET
		    current_round = ?,
		    status = ?,
		    summary = CASE WHEN ? != '' THEN ? ELSE summary END,
		    updated_at = ?
		WHERE id = ?
		  AND status NOT IN ('completed','failed','cancelled')`,
		round, string(status), summary, summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update discussion %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update discussion %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update discussion %s to %s: %w", id, status, ErrNotFound)
	}
	return nil
}

func scanDiscussionSession(row rowScanner) (*core.DiscussionSession, error) {
	var (
		sess      core.DiscussionSession
		providers string
		status    string
		meta      string
	)
	err := row.Scan(&sess.ID, &sess.Topic, &providers, &sess.CurrentRound,
		&status, &sess.ParentSessionID, &sess.Summary,
		&sess.Config.SummaryProvider, &sess.CreatedAt, &sess.UpdatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan discussion: %w", err)
	}
	sess.Providers = unmarshalStrings(providers)
	sess.Status = core.DiscussionStatus(status)
	sess.Metadata = unmarshalMeta(meta)
	return &sess, nil
}

// SaveDiscussionMessage persists one provider contribution.
func (s *Store) SaveDiscussionMessage(ctx context.Context, m *core.DiscussionMessage) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discussion_messages
		    (id, session_id, round, provider, role, content, status, latency_ms, refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Round, m.Provider, string(m.Role), m.Content,
		string(m.Status), m.LatencyMs, marshalStrings(m.References), created.UTC())
	if err != nil {
		return fmt.Errorf("store: save discussion message %s: %w", m.ID, err)
	}
	return nil
}

// GetDiscussionMessages returns a session's messages ordered by round then
// creation time. Pass round < 0 for all rounds.
func (s *Store) GetDiscussionMessages(ctx context.Context, sessionID string, round int) ([]*core.DiscussionMessage, error) {
	q := `SELECT id, session_id, round, provider, role, content, status, latency_ms, refs, created_at
	      FROM discussion_messages WHERE session_id = ?`
	args := []any{sessionID}
	if round >= 0 {
		q += " AND round = ?"
		args = append(args, round)
	}
	q += " ORDER BY round ASC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get discussion messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*core.DiscussionMessage
	for rows.Next() {
		var (
			m      core.DiscussionMessage
			role   string
			status string
			refs   string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Round, &m.Provider,
			&role, &m.Content, &status, &m.LatencyMs, &refs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: discussion message scan: %w", err)
		}
		m.Role = core.MessageRole(role)
		m.Status = core.MessageStatus(status)
		m.References = unmarshalStrings(refs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CreateDiscussionTemplate persists a reusable topic scaffold. Names are
// unique.
func (s *Store) CreateDiscussionTemplate(ctx context.Context, t *core.DiscussionTemplate) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discussion_templates (id, name, topic, providers, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Topic, marshalStrings(t.Providers), t.Description, created.UTC())
	if err != nil {
		return fmt.Errorf("store: create template %s: %w", t.Name, err)
	}
	return nil
}

// GetDiscussionTemplate loads a template by name.
func (s *Store) GetDiscussionTemplate(ctx context.Context, name string) (*core.DiscussionTemplate, error) {
	var (
		t         core.DiscussionTemplate
		providers string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, topic, providers, description, created_at
		FROM discussion_templates WHERE name = ?`, name).Scan(
		&t.ID, &t.Name, &t.Topic, &providers, &t.Description, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get template %s: %w", name, err)
	}
	t.Providers = unmarshalStrings(providers)
	return &t, nil
}

// ListDiscussionTemplates returns all templates sorted by name.
func (s *Store) ListDiscussionTemplates(ctx context.Context) ([]*core.DiscussionTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, topic, providers, description, created_at
		FROM discussion_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var out []*core.DiscussionTemplate
	for rows.Next() {
		var (
			t         core.DiscussionTemplate
			providers string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Topic, &providers,
			&t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: template scan: %w", err)
		}
		t.Providers = unmarshalStrings(providers)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteDiscussionTemplate removes a template by name.
func (s *Store) DeleteDiscussionTemplate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM discussion_templates WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete template %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete template %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("store: delete template %s: %w", name, ErrNotFound)
	}
	return nil
}
