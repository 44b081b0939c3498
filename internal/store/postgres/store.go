// Package postgres is a Store backed by PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/store"
)

const uniqueViolation = "23505"

// Store persists conversations in a relational table and messages as JSONB
// documents indexed by (conversation_id, seq).
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at dsn and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"component": "store", "driver": "postgres"}).Info("postgres connected")
	return s, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

const conversationColumns = `id, participant_a, participant_b, last_message_id, message_count, status, last_activity_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c      models.Conversation
		status string
	)
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessageID,
		&c.MessageCount, &status, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.ConversationStatus(status)
	c.LastActivityAt = c.LastActivityAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.Participants[0], conv.Participants[1], conv.LastMessageID,
		conv.MessageCount, string(conv.Status), conv.LastActivityAt, conv.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation %s: %w", conv.ID, store.ErrConflict)
	}
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, err
}

func (s *Store) SetConversationStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE conversations SET status = $2 WHERE id = $1
		RETURNING `+conversationColumns, id, string(status))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, err
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, msg.ConversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	prevSeq := msg.Seq
	store.BumpConversation(conv, msg)
	doc, err := json.Marshal(msg)
	if err != nil {
		msg.Seq = prevSeq
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Seq, doc, msg.CreatedAt); err != nil {
		msg.Seq = prevSeq
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("message %s: %w", msg.ID, store.ErrConflict)
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2, message_count = $3, last_activity_at = $4
		WHERE id = $1`,
		conv.ID, conv.LastMessageID, conv.MessageCount, conv.LastActivityAt); err != nil {
		msg.Seq = prevSeq
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		msg.Seq = prevSeq
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return conv, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM messages WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, mutate store.MutateFunc) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	if err := mutate(&m); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET doc = $2 WHERE id = $1`, id, updated); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM (
			SELECT doc, seq FROM messages
			WHERE conversation_id = $1 AND seq < $2
			ORDER BY seq DESC
			LIMIT $3
		) page ORDER BY seq ASC`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
