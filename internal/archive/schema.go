package archive

import (
	"database/sql"
	"fmt"
)

// bootstrapSchema creates the archive tables if they do not exist. The store
// owns a two-table schema, so bootstrap-at-open replaces a migration system.
func bootstrapSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			host_participant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			closed_at DATETIME,
			shared_code TEXT NOT NULL DEFAULT '',
			whiteboard TEXT NOT NULL DEFAULT '{}',
			active_topic TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			author_participant_id TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session_time
			ON chat_messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status
			ON sessions(status)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
