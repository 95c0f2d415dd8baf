package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"worklog-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the one persistence
// collaborator behind the engagement rules, the nudge log, and saved
// summaries.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEngagement fetches the engagement row for a user. The second return is
// false when the user has never interacted.
func (s *Store) GetEngagement(ctx context.Context, userID int64) (models.Engagement, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, first_name, streak, last_active, total_entries
		FROM engagement WHERE user_id = $1
	`, userID)

	var e models.Engagement
	var lastActive pgtype.Timestamptz
	if err := row.Scan(&e.UserID, &e.FirstName, &e.Streak, &lastActive, &e.TotalEntries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Engagement{}, false, nil
		}
		return models.Engagement{}, false, fmt.Errorf("scan engagement: %w", err)
	}
	if lastActive.Valid {
		t := lastActive.Time
		e.LastActive = &t
	}
	return e, true, nil
}

// UpdateEngagement applies fn to the user's engagement row under a row lock,
// inserting the row first if absent. The lock serializes concurrent streak
// transitions for the same user so increments are never lost.
func (s *Store) UpdateEngagement(ctx context.Context, userID int64, fn func(*models.Engagement)) (models.Engagement, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Engagement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO engagement (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return models.Engagement{}, fmt.Errorf("ensure engagement row: %w", err)
	}

	var e models.Engagement
	var lastActive pgtype.Timestamptz
	err = tx.QueryRow(ctx, `
		SELECT user_id, first_name, streak, last_active, total_entries
		FROM engagement WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&e.UserID, &e.FirstName, &e.Streak, &lastActive, &e.TotalEntries)
	if err != nil {
		return models.Engagement{}, fmt.Errorf("lock engagement row: %w", err)
	}
	if lastActive.Valid {
		t := lastActive.Time
		e.LastActive = &t
	}

	fn(&e)

	_, err = tx.Exec(ctx, `
		UPDATE engagement
		SET first_name = $2, streak = $3, last_active = $4, total_entries = $5
		WHERE user_id = $1
	`, e.UserID, e.FirstName, e.Streak, e.LastActive, e.TotalEntries)
	if err != nil {
		return models.Engagement{}, fmt.Errorf("update engagement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Engagement{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// ActiveUsersSince returns engagement rows for users active on or after the
// given time.
func (s *Store) ActiveUsersSince(ctx context.Context, since time.Time) ([]models.Engagement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, first_name, streak, last_active, total_entries
		FROM engagement WHERE last_active >= $1
		ORDER BY user_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var out []models.Engagement
	for rows.Next() {
		var e models.Engagement
		var lastActive pgtype.Timestamptz
		if err := rows.Scan(&e.UserID, &e.FirstName, &e.Streak, &lastActive, &e.TotalEntries); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		if lastActive.Valid {
			t := lastActive.Time
			e.LastActive = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllEngagements returns every engagement row; used by the backup export.
func (s *Store) AllEngagements(ctx context.Context) ([]models.Engagement, error) {
	return s.ActiveUsersSince(ctx, time.Time{})
}

// AppendNudgeLog appends one nudge record. Append-only; duplicates are fine.
func (s *Store) AppendNudgeLog(ctx context.Context, entry models.NudgeLogEntry) error {
	sentAt := entry.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nudge_log (user_id, nudge_type, message, sent_at)
		VALUES ($1, $2, $3, $4)
	`, entry.UserID, entry.Type, entry.Message, sentAt)
	if err != nil {
		return fmt.Errorf("append nudge log: %w", err)
	}
	return nil
}

// NudgedSince reports whether any nudge was logged for the user after t.
func (s *Store) NudgedSince(ctx context.Context, userID int64, t time.Time) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM nudge_log WHERE user_id = $1 AND sent_at > $2
	`, userID, t).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count nudges: %w", err)
	}
	return n > 0, nil
}

// NudgesSince returns nudge records sent after t; used by the backup export.
func (s *Store) NudgesSince(ctx context.Context, t time.Time) ([]models.NudgeLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, nudge_type, message, sent_at
		FROM nudge_log WHERE sent_at > $1
		ORDER BY sent_at
	`, t)
	if err != nil {
		return nil, fmt.Errorf("query nudge log: %w", err)
	}
	defer rows.Close()

	var out []models.NudgeLogEntry
	for rows.Next() {
		var e models.NudgeLogEntry
		if err := rows.Scan(&e.UserID, &e.Type, &e.Message, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan nudge log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntriesBetween fetches one user's entries inside [from, to].
func (s *Store) GetEntriesBetween(ctx context.Context, userID int64, from, to time.Time) ([]models.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, category, activities, accomplishments, recorded_at
		FROM entries
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// UsersWithEntriesBetween returns the distinct user ids with at least one
// entry inside [from, to]; this is the candidate selection for the
// reflection and summary jobs.
func (s *Store) UsersWithEntriesBetween(ctx context.Context, from, to time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM entries
		WHERE recorded_at >= $1 AND recorded_at <= $2
		ORDER BY user_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query users with entries: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatestEntryTime returns the timestamp of the user's most recent entry, or
// nil when the user has none.
func (s *Store) LatestEntryTime(ctx context.Context, userID int64) (*time.Time, error) {
	var t pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(recorded_at) FROM entries WHERE user_id = $1
	`, userID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("query latest entry: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	out := t.Time
	return &out, nil
}

// CountEntriesBetween counts one user's entries inside [from, to].
func (s *Store) CountEntriesBetween(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM entries
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
	`, userID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// RecentCategories returns the distinct categories of the user's most recent
// entries, newest first.
func (s *Store) RecentCategories(ctx context.Context, userID int64, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category FROM (
			SELECT category, recorded_at FROM entries
			WHERE user_id = $1 AND category IS NOT NULL AND category <> ''
			ORDER BY recorded_at DESC
			LIMIT 50
		) recent
		GROUP BY category
		ORDER BY MAX(recorded_at) DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSummary inserts a generated summary and returns its id.
func (s *Store) SaveSummary(ctx context.Context, sum models.Summary) (string, error) {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	themes, err := json.Marshal(sum.Themes)
	if err != nil {
		return "", fmt.Errorf("marshal themes: %w", err)
	}
	achievements, err := json.Marshal(sum.Achievements)
	if err != nil {
		return "", fmt.Errorf("marshal achievements: %w", err)
	}
	learnings, err := json.Marshal(sum.Learnings)
	if err != nil {
		return "", fmt.Errorf("marshal learnings: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO summaries (id, user_id, kind, period_start, period_end, entries_count, themes, achievements, learnings, reflection, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sum.ID, sum.UserID, sum.Kind, sum.PeriodStart, sum.PeriodEnd, sum.EntriesCount, themes, achievements, learnings, sum.Reflection, sum.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert summary: %w", err)
	}
	return sum.ID, nil
}

// SummariesBetween fetches a user's summaries of one kind created inside
// [from, to], oldest first. The weekly job feeds the oracle with the week's
// daily summaries through this.
func (s *Store) SummariesBetween(ctx context.Context, userID int64, kind string, from, to time.Time) ([]models.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, period_start, period_end, entries_count, themes, achievements, learnings, reflection, created_at
		FROM summaries
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at
	`, userID, kind, from, to)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []models.Summary
	for rows.Next() {
		var sum models.Summary
		var periodStart, periodEnd pgtype.Timestamptz
		var themes, achievements, learnings []byte
		var reflection pgtype.Text
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Kind, &periodStart, &periodEnd, &sum.EntriesCount, &themes, &achievements, &learnings, &reflection, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if periodStart.Valid {
			sum.PeriodStart = periodStart.Time
		}
		if periodEnd.Valid {
			sum.PeriodEnd = periodEnd.Time
		}
		if reflection.Valid {
			sum.Reflection = reflection.String
		}
		if err := unmarshalList(themes, &sum.Themes); err != nil {
			return nil, err
		}
		if err := unmarshalList(achievements, &sum.Achievements); err != nil {
			return nil, err
		}
		if err := unmarshalList(learnings, &sum.Learnings); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]models.Entry, error) {
	var out []models.Entry
	for rows.Next() {
		var e models.Entry
		var category pgtype.Text
		var activities, accomplishments []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &category, &activities, &accomplishments, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if category.Valid {
			e.Category = category.String
		}
		if err := unmarshalList(activities, &e.Activities); err != nil {
			return nil, err
		}
		if err := unmarshalList(accomplishments, &e.Accomplishments); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal list column: %w", err)
	}
	return nil
}
