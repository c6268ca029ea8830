package postgres

import (
	"context"
	"database/sql"
)

// DBTX is a common interface for *sqlx.DB and *sqlx.Tx so repositories
// can run inside a transaction, which integration tests roll back.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row

	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Schema creates the conversation store tables.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          UUID PRIMARY KEY,
	app_name    TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	state       JSONB NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (app_name, user_id, session_id)
);

CREATE TABLE IF NOT EXISTS session_events (
	seq                    BIGSERIAL PRIMARY KEY,
	session_uuid           UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_id               TEXT NOT NULL,
	invocation_id          TEXT NOT NULL DEFAULT '',
	author                 TEXT NOT NULL,
	branch                 TEXT NOT NULL DEFAULT '',
	content                JSONB,
	turn_complete          BOOLEAN NOT NULL DEFAULT FALSE,
	actions                JSONB NOT NULL DEFAULT '{}',
	long_running_tool_ids  JSONB,
	timestamp              TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events (session_uuid, seq);

CREATE TABLE IF NOT EXISTS app_states (
	app_name  TEXT PRIMARY KEY,
	state     JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS user_states (
	app_name  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	state     JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (app_name, user_id)
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
