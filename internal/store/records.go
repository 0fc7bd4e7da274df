package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatcore/internal/budget"
)

// Event is one analytics record.
type Event struct {
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Kind           string         `json:"kind"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Memory is a long-term fact remembered about a user.
type Memory struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var _ budget.UsageRecorder = (*Store)(nil)

// RecordUsage persists one model call's consumption.
func (s *Store) RecordUsage(ctx context.Context, rec budget.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := rec.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (user_id, model, input_tokens, output_tokens, cost, conversation_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.Cost,
		rec.ConversationID, rec.MessageID, toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SumCostSince returns the user's recorded cost since the given time.
func (s *Store) SumCostSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, toUnix(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// CostByUserSince returns every user's recorded cost since the given time.
func (s *Store) CostByUserSince(ctx context.Context, since time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, SUM(cost) FROM usage_records WHERE created_at >= ? GROUP BY user_id`, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var user string
		var cost float64
		if err := rows.Scan(&user, &cost); err != nil {
			return nil, err
		}
		out[user] = cost
	}
	return out, rows.Err()
}

// RecordEvent persists an analytics event.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analytics_events (user_id, conversation_id, kind, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.UserID, ev.ConversationID, ev.Kind, string(data), toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Events returns the most recent events of a kind, newest first.
func (s *Store) Events(ctx context.Context, kind string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(conversation_id, ''), kind, COALESCE(data, ''), created_at
		 FROM analytics_events WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var data string
		var at int64
		if err := rows.Scan(&ev.UserID, &ev.ConversationID, &ev.Kind, &data, &at); err != nil {
			return nil, err
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		ev.CreatedAt = fromUnix(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveMemory stores a fact about a user. Saving the same content twice is
// a no-op. It reports whether a new row was written.
func (s *Store) SaveMemory(ctx context.Context, userID, content, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memories (user_id, content, source, created_at) VALUES (?, ?, ?, ?)`,
		userID, content, source, toUnix(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to save memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Memories returns the user's memories, newest first.
func (s *Store) Memories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, COALESCE(source, ''), created_at FROM memories
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m := Memory{UserID: userID}
		var at int64
		if err := rows.Scan(&m.ID, &m.Content, &m.Source, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnix(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
