package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
	now   func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		photo_url TEXT,
		daily_limit INTEGER NOT NULL,
		attempts_today INTEGER NOT NULL DEFAULT 0,
		last_attempt_date TEXT,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		subscription TEXT NOT NULL DEFAULT 'free',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		exercise_type TEXT NOT NULL,
		expected_text TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		result TEXT NOT NULL,
		feedback_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_user_end ON attempts(user_id, end_time);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectUser = `
	SELECT user_id, email, display_name, photo_url, daily_limit,
	       attempts_today, last_attempt_date, total_sessions,
	       subscription, status, created_at, updated_at
	FROM users WHERE user_id = ?`

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.UserAccount, error) {
	row := s.db.QueryRowContext(ctx, selectUser, userID)

	var user domain.UserAccount
	var photoURL, lastAttemptDate sql.NullString
	var subscription, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.Email, &user.DisplayName, &photoURL, &user.DailyLimit,
		&user.AttemptsToday, &lastAttemptDate, &user.TotalSessions,
		&subscription, &status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.PhotoURL = photoURL.String
	user.LastAttemptDate = lastAttemptDate.String
	user.Subscription = domain.Subscription(subscription)
	user.Status = domain.AccountStatus(status)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record. Usage counters are only
// written on insert; IncrementAttempts owns them afterwards.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.UserAccount) error {
	query := `
	INSERT INTO users (user_id, email, display_name, photo_url, daily_limit,
		attempts_today, last_attempt_date, total_sessions,
		subscription, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		email = excluded.email,
		display_name = excluded.display_name,
		photo_url = excluded.photo_url,
		daily_limit = excluded.daily_limit,
		subscription = excluded.subscription,
		status = excluded.status,
		updated_at = excluded.updated_at`

	var photoURL, lastAttemptDate interface{}
	if user.PhotoURL != "" {
		photoURL = user.PhotoURL
	}
	if user.LastAttemptDate != "" {
		lastAttemptDate = user.LastAttemptDate
	}

	return shared.RetryOnConflict(ctx, s.retry, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Email, user.DisplayName, photoURL, user.DailyLimit,
			user.AttemptsToday, lastAttemptDate, user.TotalSessions,
			string(user.Subscription), string(user.Status),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// IncrementAttempts counts one attempt on date, resetting a stale counter.
func (s *SQLiteStore) IncrementAttempts(ctx context.Context, userID, date string) (*domain.UserAccount, error) {
	query := `
	UPDATE users SET
		attempts_today = CASE WHEN last_attempt_date = ? THEN attempts_today + 1 ELSE 1 END,
		last_attempt_date = ?,
		updated_at = ?
	WHERE user_id = ?`

	err := shared.RetryOnConflict(ctx, s.retry, "increment_attempts", func() error {
		return s.execOne(ctx, "increment attempts", query, date, date, s.now().Unix(), userID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

// IncrementSessions bumps the lifetime session counter.
func (s *SQLiteStore) IncrementSessions(ctx context.Context, userID string) error {
	query := `UPDATE users SET total_sessions = total_sessions + 1, updated_at = ? WHERE user_id = ?`
	return shared.RetryOnConflict(ctx, s.retry, "increment_sessions", func() error {
		return s.execOne(ctx, "increment sessions", query, s.now().Unix(), userID)
	})
}

func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Update affected 0 rows", "op", what, "user_id", args[len(args)-1])
		return ErrUserNotFound
	}
	return nil
}

// RecordAttempt appends a closed attempt to the history table.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	query := `
	INSERT INTO attempts (user_id, attempt_number, exercise_type, expected_text,
		start_time, end_time, duration_ms, result, feedback_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var feedback interface{}
	if len(rec.Feedback) > 0 {
		feedback = string(rec.Feedback)
	}

	return shared.RetryOnConflict(ctx, s.retry, "record_attempt", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.UserID, rec.AttemptNumber, string(rec.ExerciseType), rec.ExpectedText,
			rec.StartTime.UnixMilli(), rec.EndTime.UnixMilli(), rec.Duration.Milliseconds(),
			string(rec.Result), feedback,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

// ListAttempts returns the most recent attempts for a user, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, userID string, limit int) ([]*domain.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT user_id, attempt_number, exercise_type, expected_text,
		       start_time, end_time, duration_ms, result, feedback_json
		FROM attempts WHERE user_id = ?
		ORDER BY end_time DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close attempt rows", "error", closeErr)
		}
	}()

	var records []*domain.AttemptRecord
	for rows.Next() {
		var rec domain.AttemptRecord
		var exerciseType, result string
		var start, end, durationMs int64
		var feedback sql.NullString

		if err := rows.Scan(
			&rec.UserID, &rec.AttemptNumber, &exerciseType, &rec.ExpectedText,
			&start, &end, &durationMs, &result, &feedback,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}

		rec.ExerciseType = domain.ExerciseType(exerciseType)
		rec.Result = domain.AttemptResult(result)
		rec.StartTime = time.UnixMilli(start)
		rec.EndTime = time.UnixMilli(end)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if feedback.Valid {
			rec.Feedback = json.RawMessage(feedback.String)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
