package migrations

// InitialSchema is the full schema applied on startup. Every statement is
// idempotent so re-running against an existing database is safe.
const InitialSchema = `
CREATE TABLE IF NOT EXISTS queued_messages (
    id             TEXT PRIMARY KEY,
    platform       TEXT NOT NULL,
    message_id     TEXT NOT NULL,
    sender_id      TEXT NOT NULL,
    receiver_id    TEXT,
    content        TEXT NOT NULL,
    message_type   TEXT NOT NULL,
    message_time   TIMESTAMP NOT NULL,
    session_id     TEXT,
    target_user_id TEXT,
    queue_type     TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT,
    scheduled_at   TIMESTAMP,
    created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_queued_messages_claim
    ON queued_messages (status, scheduled_at, created_at);

CREATE TABLE IF NOT EXISTS dead_letter_messages (
    id             TEXT PRIMARY KEY,
    platform       TEXT NOT NULL,
    message_id     TEXT NOT NULL,
    sender_id      TEXT NOT NULL,
    receiver_id    TEXT,
    content        TEXT NOT NULL,
    message_type   TEXT NOT NULL,
    message_time   TIMESTAMP NOT NULL,
    session_id     TEXT,
    target_user_id TEXT,
    queue_type     TEXT NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT NOT NULL,
    failed_at      TIMESTAMP NOT NULL,
    created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_dead_letter_failed_at
    ON dead_letter_messages (failed_at DESC);

CREATE TABLE IF NOT EXISTS provider_configs (
    platform            TEXT PRIMARY KEY,
    display_name        TEXT NOT NULL,
    is_enabled          INTEGER NOT NULL DEFAULT 1,
    config_data         TEXT NOT NULL DEFAULT '',
    webhook_url         TEXT,
    message_interval_ms INTEGER NOT NULL DEFAULT 1000,
    max_retry_count     INTEGER NOT NULL DEFAULT 3,
    created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// GetInitialSchema returns the schema SQL executed at database open.
func GetInitialSchema() string {
	return InitialSchema
}
