// Package storage is the VM server's small sqlite-backed persistence
// layer: config key-values, command history, artifact metadata, and
// thread session records.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS config (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS commands (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id     TEXT NOT NULL,
				input       TEXT NOT NULL,
				summary     TEXT,
				channel     TEXT NOT NULL,
				duration_ms INTEGER,
				created_at  TEXT DEFAULT (datetime('now'))
			);
		`); err != nil {
			return fmt.Errorf("migration 1: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
	}

	if version < 2 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS artifacts (
				id         TEXT PRIMARY KEY,
				kind       TEXT NOT NULL,
				file_path  TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				created_at TEXT DEFAULT (datetime('now'))
			);
		`); err != nil {
			return fmt.Errorf("migration 2: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version = 2"); err != nil {
			return err
		}
	}

	if version < 3 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS threads (
				thread_id   TEXT PRIMARY KEY,
				kind        TEXT NOT NULL,
				working_dir TEXT NOT NULL,
				command     TEXT,
				log_path    TEXT NOT NULL,
				created_at  TEXT DEFAULT (datetime('now'))
			);
		`); err != nil {
			return fmt.Errorf("migration 3: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version = 3"); err != nil {
			return err
		}
	}

	return nil
}

// GetConfig returns the value for key, or "" if unset.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// CommandRecord is one entry of command history.
type CommandRecord struct {
	UserID     string
	Input      string
	Summary    string
	Channel    string
	DurationMs int64
}

// LogCommand appends a command history record.
func (s *Store) LogCommand(rec CommandRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO commands (user_id, input, summary, channel, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, rec.UserID, rec.Input, nullable(rec.Summary), rec.Channel, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("log command: %w", err)
	}
	return nil
}

// RecentCommands returns up to limit most recent command records.
func (s *Store) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := s.db.Query(`
		SELECT user_id, input, COALESCE(summary, ''), channel, COALESCE(duration_ms, 0)
		FROM commands ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(&rec.UserID, &rec.Input, &rec.Summary, &rec.Channel, &rec.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArtifactRecord is persisted metadata for one stored artifact.
type ArtifactRecord struct {
	ID        string
	Kind      string
	FilePath  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InsertArtifact records artifact metadata.
func (s *Store) InsertArtifact(rec ArtifactRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, kind, file_path, expires_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Kind, rec.FilePath, rec.ExpiresAt.UTC().Format(time.DateTime))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifact returns metadata by id, or nil if absent.
func (s *Store) GetArtifact(id string) (*ArtifactRecord, error) {
	var rec ArtifactRecord
	var expires, created string
	err := s.db.QueryRow(`
		SELECT id, kind, file_path, expires_at, created_at FROM artifacts WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Kind, &rec.FilePath, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	rec.ExpiresAt, _ = time.Parse(time.DateTime, expires)
	rec.CreatedAt, _ = time.Parse(time.DateTime, created)
	return &rec, nil
}

// DeleteArtifact removes metadata by id.
func (s *Store) DeleteArtifact(id string) error {
	_, err := s.db.Exec("DELETE FROM artifacts WHERE id = ?", id)
	return err
}

// ListArtifacts returns all artifact records ordered oldest first.
func (s *Store) ListArtifacts() ([]ArtifactRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, file_path, expires_at, created_at
		FROM artifacts ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var expires, created string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.FilePath, &expires, &created); err != nil {
			return nil, err
		}
		rec.ExpiresAt, _ = time.Parse(time.DateTime, expires)
		rec.CreatedAt, _ = time.Parse(time.DateTime, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ThreadRecord is persisted metadata for one tmux-backed session, kept
// so the registry can be rebuilt after a server restart.
type ThreadRecord struct {
	ThreadID   string
	Kind       string
	WorkingDir string
	Command    string
	LogPath    string
	CreatedAt  time.Time
}

// InsertThread records a session.
func (s *Store) InsertThread(rec ThreadRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (thread_id, kind, working_dir, command, log_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ThreadID, rec.Kind, rec.WorkingDir, nullable(rec.Command), rec.LogPath,
		rec.CreatedAt.UTC().Format(time.DateTime))
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// DeleteThread removes a session record.
func (s *Store) DeleteThread(threadID string) error {
	_, err := s.db.Exec("DELETE FROM threads WHERE thread_id = ?", threadID)
	return err
}

// ListThreads returns all session records.
func (s *Store) ListThreads() ([]ThreadRecord, error) {
	rows, err := s.db.Query(`
		SELECT thread_id, kind, working_dir, COALESCE(command, ''), log_path, created_at
		FROM threads ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRecord
	for rows.Next() {
		var rec ThreadRecord
		var created string
		if err := rows.Scan(&rec.ThreadID, &rec.Kind, &rec.WorkingDir, &rec.Command, &rec.LogPath, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.DateTime, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
