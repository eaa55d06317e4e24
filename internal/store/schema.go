package store

// schema creates every logical table and the required indexes. Statements are
// idempotent so opening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL DEFAULT '',
    message       TEXT NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 50,
    timeout_s     REAL NOT NULL DEFAULT 0,
    status        TEXT NOT NULL,
    backend_type  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    started_at    TIMESTAMP,
    completed_at  TIMESTAMP,
    metadata      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_status_created
    ON requests (status, created_at);

CREATE TABLE IF NOT EXISTS responses (
    request_id  TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    response    TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    provider    TEXT NOT NULL DEFAULT '',
    latency_ms  INTEGER NOT NULL DEFAULT 0,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    thinking    TEXT NOT NULL DEFAULT '',
    raw_output  TEXT NOT NULL DEFAULT '',
    cached      INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL,
    metadata    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS metrics (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    provider   TEXT NOT NULL,
    event_type TEXT NOT NULL,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    success    INTEGER NOT NULL DEFAULT 1,
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_provider_created
    ON metrics (provider, created_at);

CREATE TABLE IF NOT EXISTS token_costs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd      REAL NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_costs_created
    ON token_costs (created_at);

CREATE TABLE IF NOT EXISTS cache_entries (
    provider    TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    response    TEXT NOT NULL,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL,
    hit_count   INTEGER NOT NULL DEFAULT 0,
    last_hit_at TIMESTAMP,
    PRIMARY KEY (provider, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires
    ON cache_entries (expires_at);

CREATE TABLE IF NOT EXISTS provider_status (
    provider     TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    latency_ms   INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    checked_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS discussion_sessions (
    id                TEXT PRIMARY KEY,
    topic             TEXT NOT NULL,
    providers         TEXT NOT NULL,
    current_round     INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    parent_session_id TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    summary_provider  TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL,
    metadata          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS discussion_messages (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    round      INTEGER NOT NULL,
    provider   TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    refs       TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_discussion_messages_session
    ON discussion_messages (session_id, round);

CREATE TABLE IF NOT EXISTS discussion_templates (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    topic       TEXT NOT NULL,
    providers   TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    key_hash   TEXT NOT NULL UNIQUE,
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    last_used  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS stream_entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id  TEXT NOT NULL,
    type        TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    chunk_index INTEGER NOT NULL DEFAULT 0,
    success     INTEGER NOT NULL DEFAULT 0,
    elapsed_ms  INTEGER NOT NULL DEFAULT 0,
    timestamp   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_entries_request
    ON stream_entries (request_id, timestamp);
`
