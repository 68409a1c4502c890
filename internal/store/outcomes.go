package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hetu/internal/journal"
)

const outcomeColumns = `id, description, category, date, created_at, rating`

func (s *Store) AddOutcome(ctx context.Context, o journal.Outcome) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	if o.Date == "" {
		o.Date = journal.DayOf(s.stamp(o.CreatedAt))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (description, category, date, created_at, rating)
		VALUES (?, ?, ?, ?, ?)`,
		o.Description, o.Category, o.Date, millis(s.stamp(o.CreatedAt)), nullInt(o.Rating),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add outcome: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Outcome(ctx context.Context, id int64) (journal.Outcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Outcome{}, ErrNotFound
	}
	return o, err
}

// ListOutcomes returns every outcome, most recent first.
func (s *Store) ListOutcomes(ctx context.Context) ([]journal.Outcome, error) {
	return s.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes ORDER BY created_at DESC, id DESC`)
}

func (s *Store) ListOutcomesByDate(ctx context.Context, day string) ([]journal.Outcome, error) {
	return s.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE date = ? ORDER BY created_at DESC, id DESC`, day)
}

func (s *Store) ListOutcomesBetween(ctx context.Context, from, to string) ([]journal.Outcome, error) {
	return s.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE date BETWEEN ? AND ? ORDER BY created_at DESC, id DESC`, from, to)
}

func (s *Store) DeleteOutcome(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "outcomes", id)
}

func (s *Store) DeleteAllOutcomes(ctx context.Context) error {
	return s.deleteAll(ctx, "outcomes")
}

func (s *Store) CountOutcomes(ctx context.Context) (int, error) {
	return s.count(ctx, "outcomes")
}

// AverageRating returns the mean rating for a category; ok is false when no
// rated outcome exists.
func (s *Store) AverageRating(ctx context.Context, category string) (avg float64, ok bool, err error) {
	var v sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(rating) FROM outcomes WHERE category = ? AND rating IS NOT NULL`, category).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("store: average rating: %w", err)
	}
	return v.Float64, v.Valid, nil
}

func scanOutcome(row scanner) (journal.Outcome, error) {
	var (
		o       journal.Outcome
		created int64
		rating  sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.Description, &o.Category, &o.Date, &created, &rating); err != nil {
		return journal.Outcome{}, err
	}
	o.CreatedAt = fromMillis(created)
	o.Rating = intPtr(rating)
	return o, nil
}

func (s *Store) queryOutcomes(ctx context.Context, query string, args ...any) ([]journal.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query outcomes: %w", err)
	}
	defer rows.Close()

	var out []journal.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
