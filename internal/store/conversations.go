package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/logging"
)

// maxTitleRunes bounds conversation titles taken from the first message.
const maxTitleRunes = 60

// Message is one persisted conversation entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is a conversation with all its messages, oldest first.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary is a conversation without its messages.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppendMessage adds a message to a conversation, creating the conversation
// on first use, and returns the new message id.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, role, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := toUnix(s.now())
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, userID, title(content), now, now); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return "", fmt.Errorf("failed to touch conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?)`,
		id, conversationID, conversationID, role, content, now); err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	logging.StoreDebug("appended %s message to %s", role, conversationID)
	return id, nil
}

// Conversation returns a conversation with its messages.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Conversation{ID: id}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.UserID, &c.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	c.Messages = []Message{}
	for rows.Next() {
		m := Message{ConversationID: id}
		var at int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnix(at)
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

// ListSummaries returns the user's conversations, most recently updated
// first.
func (s *Store) ListSummaries(ctx context.Context, userID string, limit int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.updated_at, COUNT(m.id)
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = ?
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var updated int64
		if err := rows.Scan(&sum.ID, &sum.Title, &updated, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.UpdatedAt = fromUnix(updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func title(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	r := []rune(t)
	if len(r) > maxTitleRunes {
		return string(r[:maxTitleRunes]) + "..."
	}
	return t
}
