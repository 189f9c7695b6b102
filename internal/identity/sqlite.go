package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/0x6d61/proctor/internal/engine"
)

// SQLiteStore implements Store using SQLite via modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the samples table at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: ping database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS identity_samples (
			user_id     TEXT PRIMARY KEY,
			face        BLOB NOT NULL,
			voice       BLOB,
			updated_at  TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put upserts the user's sample.
func (s *SQLiteStore) Put(ctx context.Context, userID string, face, voice []byte) error {
	if err := validate(userID, face); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_samples (user_id, face, voice, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			face       = excluded.face,
			voice      = excluded.voice,
			updated_at = excluded.updated_at
	`, userID, face, voice, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("identity: save sample: %w", err)
	}
	return nil
}

// Reference implements engine.IdentitySource.
func (s *SQLiteStore) Reference(ctx context.Context, userID string) (*engine.IdentityReference, error) {
	var ref engine.IdentityReference
	err := s.db.QueryRowContext(ctx,
		`SELECT face, voice FROM identity_samples WHERE user_id = ?`, userID,
	).Scan(&ref.Face, &ref.Voice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: load sample: %w", err)
	}
	return &ref, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
