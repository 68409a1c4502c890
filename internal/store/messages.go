package store

import (
	"context"
	"database/sql"
	"fmt"

	"hetu/internal/journal"
)

const messageColumns = `id, text, is_user, created_at, related_action_id, related_outcome_id`

// AddMessage appends a journal message. Messages are immutable once stored.
func (s *Store) AddMessage(ctx context.Context, m journal.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (text, is_user, created_at, related_action_id, related_outcome_id)
		VALUES (?, ?, ?, ?, ?)`,
		m.Text, m.IsUser, millis(s.stamp(m.CreatedAt)),
		nullInt64(m.RelatedActionID), nullInt64(m.RelatedOutcomeID),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the conversation in timestamp order.
func (s *Store) ListMessages(ctx context.Context) ([]journal.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY created_at ASC, id ASC`)
}

// RecentMessages returns the last limit messages, still in timestamp order.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]journal.Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "messages", id)
}

func (s *Store) DeleteAllMessages(ctx context.Context) error {
	return s.deleteAll(ctx, "messages")
}

func (s *Store) CountMessages(ctx context.Context) (int, error) {
	return s.count(ctx, "messages")
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]journal.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []journal.Message
	for rows.Next() {
		var (
			m         journal.Message
			created   int64
			actionID  sql.NullInt64
			outcomeID sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Text, &m.IsUser, &created, &actionID, &outcomeID); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		m.RelatedActionID = int64Ptr(actionID)
		m.RelatedOutcomeID = int64Ptr(outcomeID)
		out = append(out, m)
	}
	return out, rows.Err()
}
