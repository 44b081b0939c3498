package postgres

import (
	"context"
	"fmt"
)

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Conversations, one row per two-party thread
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			participant_a VARCHAR(255) NOT NULL,
			participant_b VARCHAR(255) NOT NULL,
			last_message_id VARCHAR(255) NOT NULL DEFAULT '',
			message_count BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Messages are stored as documents; seq orders them inside a conversation
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(255) PRIMARY KEY,
			conversation_id VARCHAR(255) NOT NULL REFERENCES conversations(id),
			seq BIGINT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (conversation_id, seq)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_participant_a ON conversations(participant_a)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations(participant_b)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
