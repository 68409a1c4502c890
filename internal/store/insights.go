package store

import (
	"context"
	"database/sql"
	"fmt"

	"hetu/internal/journal"
)

const insightColumns = `id, title, description, emoji, confidence, action_category, outcome_category, occurrences, created_at, updated_at`

// AddInsight appends an insight. Analysis runs never replace earlier ones.
func (s *Store) AddInsight(ctx context.Context, in journal.Insight) (int64, error) {
	created := s.stamp(in.CreatedAt)
	updated := in.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	if in.Occurrences < 1 {
		in.Occurrences = 1
	}
	if in.Confidence == "" {
		in.Confidence = journal.ConfidenceMedium
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (title, description, emoji, confidence, action_category, outcome_category, occurrences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Title, in.Description, in.Emoji, string(in.Confidence),
		nullString(in.ActionCategory), nullString(in.OutcomeCategory), in.Occurrences,
		millis(created), millis(updated),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add insight: %w", err)
	}
	return res.LastInsertId()
}

// ListInsights returns insights, most recently updated first.
func (s *Store) ListInsights(ctx context.Context) ([]journal.Insight, error) {
	return s.queryInsights(ctx, `SELECT `+insightColumns+` FROM insights ORDER BY updated_at DESC, id DESC`)
}

func (s *Store) InsightsByConfidence(ctx context.Context, c journal.Confidence) ([]journal.Insight, error) {
	return s.queryInsights(ctx, `SELECT `+insightColumns+` FROM insights WHERE confidence = ? ORDER BY occurrences DESC, id DESC`, string(c))
}

func (s *Store) DeleteInsight(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "insights", id)
}

func (s *Store) DeleteAllInsights(ctx context.Context) error {
	return s.deleteAll(ctx, "insights")
}

func (s *Store) CountInsights(ctx context.Context) (int, error) {
	return s.count(ctx, "insights")
}

func (s *Store) queryInsights(ctx context.Context, query string, args ...any) ([]journal.Insight, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query insights: %w", err)
	}
	defer rows.Close()

	var out []journal.Insight
	for rows.Next() {
		var (
			in              journal.Insight
			confidence      string
			actionCategory  sql.NullString
			outcomeCategory sql.NullString
			created         int64
			updated         int64
		)
		if err := rows.Scan(&in.ID, &in.Title, &in.Description, &in.Emoji, &confidence,
			&actionCategory, &outcomeCategory, &in.Occurrences, &created, &updated); err != nil {
			return nil, err
		}
		in.Confidence = journal.Confidence(confidence)
		in.ActionCategory = stringPtr(actionCategory)
		in.OutcomeCategory = stringPtr(outcomeCategory)
		in.CreatedAt = fromMillis(created)
		in.UpdatedAt = fromMillis(updated)
		out = append(out, in)
	}
	return out, rows.Err()
}
