package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hetu/internal/journal"
)

const actionColumns = `id, description, category, date, created_at, expectation, check_in_days, checked_in`

func (s *Store) AddAction(ctx context.Context, a journal.Action) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if a.Date == "" {
		a.Date = journal.DayOf(s.stamp(a.CreatedAt))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (description, category, date, created_at, expectation, check_in_days, checked_in)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Description, a.Category, a.Date, millis(s.stamp(a.CreatedAt)),
		nullString(a.Expectation), nullInt(a.CheckInDays), a.CheckedIn,
	)
	if err != nil {
		return 0, fmt.Errorf("store: add action: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Action(ctx context.Context, id int64) (journal.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Action{}, ErrNotFound
	}
	return a, err
}

// ListActions returns every action, most recent first.
func (s *Store) ListActions(ctx context.Context) ([]journal.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY created_at DESC, id DESC`)
}

func (s *Store) ListActionsByDate(ctx context.Context, day string) ([]journal.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions WHERE date = ? ORDER BY created_at DESC, id DESC`, day)
}

func (s *Store) ListActionsByCategory(ctx context.Context, category string) ([]journal.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions WHERE category = ? ORDER BY created_at DESC, id DESC`, category)
}

// PendingCheckIns returns actions that asked for a check-in and have not
// had one yet, oldest first.
func (s *Store) PendingCheckIns(ctx context.Context) ([]journal.Action, error) {
	return s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE checked_in = 0 AND check_in_days IS NOT NULL
		ORDER BY created_at ASC, id ASC`)
}

// MarkCheckedIn flips the check-in flag, the only mutation an action allows.
func (s *Store) MarkCheckedIn(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE actions SET checked_in = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: check in action %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "actions", id)
}

func (s *Store) DeleteAllActions(ctx context.Context) error {
	return s.deleteAll(ctx, "actions")
}

func (s *Store) CountActions(ctx context.Context) (int, error) {
	return s.count(ctx, "actions")
}

// DistinctActionDates returns the tracked days, newest first.
func (s *Store) DistinctActionDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT date FROM actions ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: distinct dates: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (journal.Action, error) {
	var (
		a           journal.Action
		created     int64
		expectation sql.NullString
		checkIn     sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Description, &a.Category, &a.Date, &created, &expectation, &checkIn, &a.CheckedIn); err != nil {
		return journal.Action{}, err
	}
	a.CreatedAt = fromMillis(created)
	a.Expectation = stringPtr(expectation)
	a.CheckInDays = intPtr(checkIn)
	return a, nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]journal.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query actions: %w", err)
	}
	defer rows.Close()

	var out []journal.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
