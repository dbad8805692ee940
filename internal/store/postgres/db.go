package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the collaborator tables.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT        PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT        NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT        NOT NULL,
			position        INTEGER     NOT NULL,
			joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT        PRIMARY KEY,
			temp_id         TEXT,
			conversation_id TEXT        NOT NULL REFERENCES conversations(id),
			sender_id       TEXT        NOT NULL,
			content         TEXT        NOT NULL,
			content_kind    TEXT        NOT NULL,
			encryption      JSONB,
			attachments     JSONB,
			reply_to_id     TEXT,
			status          TEXT        NOT NULL,
			status_rank     SMALLINT    NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			edited_at       TIMESTAMPTZ,
			deleted_at      TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id  TEXT        NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id     TEXT        NOT NULL,
			status      TEXT        NOT NULL,
			status_rank SMALLINT    NOT NULL,
			at          TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id TEXT        NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT        NOT NULL,
			emoji      TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS calls (
			id              TEXT        PRIMARY KEY,
			conversation_id TEXT        NOT NULL,
			caller_id       TEXT        NOT NULL,
			recipient_id    TEXT        NOT NULL,
			kind            TEXT        NOT NULL,
			state           TEXT        NOT NULL,
			initiated_at    TIMESTAMPTZ NOT NULL,
			answered_at     TIMESTAMPTZ,
			ended_at        TIMESTAMPTZ,
			duration_secs   BIGINT      NOT NULL DEFAULT 0,
			ended_by        TEXT,
			reason          TEXT
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_conv_members_user ON conversation_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_conversation ON calls(conversation_id, initiated_at DESC)`,

		// Columns added after the first schema version
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS encryption JSONB`,
		`ALTER TABLE calls ADD COLUMN IF NOT EXISTS reason TEXT`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
