package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/0x6d61/proctor/internal/engine"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using SQLite via modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time checks.
var (
	_ Store                = (*SQLiteStore)(nil)
	_ engine.SessionLoader = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite-backed store.
// dbPath is the path to the SQLite database file; use ":memory:" for testing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	// Every :memory: connection is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping database: %w", err)
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			interview_type  TEXT NOT NULL,
			status          TEXT NOT NULL,
			reason          TEXT DEFAULT '',
			answered        INTEGER DEFAULT 0,
			total           INTEGER DEFAULT 0,
			avg_score       REAL DEFAULT 0,
			version         INTEGER NOT NULL,
			state_json      TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create table: %w", err)
	}

	createIndexSQL := `
		CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	`
	if _, err := db.Exec(createIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create index: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Save persists a session snapshot. Out-of-order writes are discarded by
// comparing versions, so concurrent savers cannot regress a session.
func (s *SQLiteStore) Save(ctx context.Context, sess *engine.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session: save: missing session id")
	}

	stateJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}

	now := s.now().UTC().Format(timeLayout)
	query := `
		INSERT INTO sessions (id, user_id, interview_type, status, reason, answered, total,
			avg_score, version, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status     = excluded.status,
			reason     = excluded.reason,
			answered   = excluded.answered,
			total      = excluded.total,
			avg_score  = excluded.avg_score,
			version    = excluded.version,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
		WHERE excluded.version > sessions.version
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		sess.InterviewType,
		string(sess.Status),
		string(sess.TerminationReason),
		len(sess.Answers),
		sess.TotalQuestions,
		averageScore(sess),
		sess.Version,
		string(stateJSON),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("session: save state: %w", err)
	}

	return nil
}

// LoadByID retrieves a session by its unique ID.
// Returns (nil, nil) if no session is found.
func (s *SQLiteStore) LoadByID(ctx context.Context, id string) (*engine.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE id = ?`, id)

	var stateJSON string
	if err := row.Scan(&stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan row: %w", err)
	}

	var sess engine.Session
	if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal state: %w", err)
	}

	return &sess, nil
}

// LoadSession implements engine.SessionLoader.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*engine.Session, error) {
	return s.LoadByID(ctx, id)
}

// List returns summaries of stored sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT id, user_id, interview_type, status, reason, answered, total, avg_score, updated_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []*Summary
	for rows.Next() {
		var (
			summary   Summary
			status    string
			reason    string
			updatedAt string
		)
		if err := rows.Scan(&summary.ID, &summary.UserID, &summary.InterviewType, &status, &reason,
			&summary.Answered, &summary.Total, &summary.AverageScore, &updatedAt); err != nil {
			return nil, fmt.Errorf("session: scan summary row: %w", err)
		}
		t, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("session: parse updated_at %q: %w", updatedAt, err)
		}
		summary.Status = engine.Status(status)
		summary.TerminationReason = engine.TerminationReason(reason)
		summary.UpdatedAt = t
		summaries = append(summaries, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate rows: %w", err)
	}

	return summaries, nil
}

// Delete removes a session by its ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: delete session: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Cleanup removes finished sessions whose updated_at is older than maxAge
// from now. In-progress sessions are never removed. It returns the number
// of deleted sessions.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-maxAge).Format(timeLayout)

	query := `DELETE FROM sessions WHERE updated_at < ? AND status != ?`
	result, err := s.db.ExecContext(ctx, query, cutoff, string(engine.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("session: cleanup sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: rows affected: %w", err)
	}

	return deleted, nil
}
