package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Journal keeps a persistent log of playback state transitions using
// SQLite
type Journal struct {
	db *sql.DB
}

// Entry is one recorded state transition
type Entry struct {
	ID        int64
	LoadID    string
	MessageID string
	Title     string
	Author    string
	Location  string
	State     string
	Elapsed   time.Duration
	Error     string
	At        time.Time
}

// Open opens (or creates) the journal database at dbPath
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps in-memory databases consistent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			load_id TEXT NOT NULL,
			message_id TEXT,
			title TEXT,
			author TEXT,
			location TEXT,
			state TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_load ON transitions(load_id, at);
		CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends an entry and returns its id
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	query := `
		INSERT INTO transitions (load_id, message_id, title, author, location, state, elapsed_ms, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if e.At.IsZero() {
		e.At = time.Now()
	}

	var errText any
	if e.Error != "" {
		errText = e.Error
	}

	result, err := j.db.ExecContext(ctx, query,
		e.LoadID,
		e.MessageID,
		e.Title,
		e.Author,
		e.Location,
		e.State,
		e.Elapsed.Milliseconds(),
		errText,
		e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}

	return id, nil
}

// Recent returns the newest entries first. A limit of zero returns all
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, load_id, COALESCE(message_id, ''), COALESCE(title, ''), COALESCE(author, ''),
			COALESCE(location, ''), state, elapsed_ms, COALESCE(error, ''), at
		FROM transitions
		ORDER BY at DESC, id DESC
	`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	return j.query(ctx, query)
}

// ForLoad returns the entries of one load, oldest first
func (j *Journal) ForLoad(ctx context.Context, loadID string) ([]Entry, error) {
	query := `
		SELECT id, load_id, COALESCE(message_id, ''), COALESCE(title, ''), COALESCE(author, ''),
			COALESCE(location, ''), state, elapsed_ms, COALESCE(error, ''), at
		FROM transitions
		WHERE load_id = ?
		ORDER BY at ASC, id ASC
	`

	return j.query(ctx, query, loadID)
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var elapsedMs, atMs int64

		err := rows.Scan(
			&e.ID,
			&e.LoadID,
			&e.MessageID,
			&e.Title,
			&e.Author,
			&e.Location,
			&e.State,
			&elapsedMs,
			&e.Error,
			&atMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		e.At = time.UnixMilli(atMs)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return entries, nil
}

// Count returns the number of recorded entries
func (j *Journal) Count(ctx context.Context) (int, error) {
	var count int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transitions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transitions: %w", err)
	}

	return count, nil
}

// Cleanup removes entries older than maxAge to prevent unbounded growth
func (j *Journal) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := j.db.ExecContext(ctx, "DELETE FROM transitions WHERE at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old transitions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
