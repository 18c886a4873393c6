// Package audit keeps a SQLite trail of handled mentions: which bot answered,
// in which thread, how it ended and how long it took. It stores request
// metadata only. Session tokens and message bodies never reach the disk.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT NOT NULL,
	bot             TEXT NOT NULL,
	platform        TEXT NOT NULL DEFAULT '',
	channel         TEXT NOT NULL DEFAULT '',
	thread_id       TEXT NOT NULL DEFAULT '',
	marker          TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL,
	resumed         INTEGER NOT NULL DEFAULT 0,
	claude_ms       INTEGER NOT NULL DEFAULT 0,
	total_ms        INTEGER NOT NULL DEFAULT 0,
	response_length INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_thread ON requests(bot, thread_id);
`

// maxErrorLen bounds the stored error text.
const maxErrorLen = 500

// Entry is one handled mention.
type Entry struct {
	RequestID      string
	Bot            string
	Platform       string
	Channel        string
	ThreadID       string
	Marker         string
	Outcome        string
	Resumed        bool
	ClaudeDuration time.Duration
	TotalDuration  time.Duration
	ResponseLength int
	Error          string
	CreatedAt      time.Time
}

// Log writes request entries to a SQLite database.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	return &Log{db: db, logger: logger.With("component", "audit")}, nil
}

// Record stores one entry.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if len(e.Error) > maxErrorLen {
		e.Error = e.Error[:maxErrorLen] + "...[truncated]"
	}
	resumed := 0
	if e.Resumed {
		resumed = 1
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, bot, platform, channel, thread_id, marker, outcome,
			resumed, claude_ms, total_ms, response_length, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Bot, e.Platform, e.Channel, e.ThreadID, e.Marker, e.Outcome,
		resumed, e.ClaudeDuration.Milliseconds(), e.TotalDuration.Milliseconds(),
		e.ResponseLength, e.Error, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Prune deletes entries older than the retention window.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, "DELETE FROM requests WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("audit log pruned", "removed", n)
	}
	return n, nil
}

// Count returns the number of stored entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Recent returns the last n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, bot, platform, channel, thread_id, marker, outcome, resumed,
			claude_ms, total_ms, response_length, error, created_at
		FROM requests
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			resumed           int
			claudeMs, totalMs int64
			createdAt         string
		)
		if err := rows.Scan(&e.RequestID, &e.Bot, &e.Platform, &e.Channel, &e.ThreadID, &e.Marker,
			&e.Outcome, &resumed, &claudeMs, &totalMs, &e.ResponseLength, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Resumed = resumed != 0
		e.ClaudeDuration = time.Duration(claudeMs) * time.Millisecond
		e.TotalDuration = time.Duration(totalMs) * time.Millisecond
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks database connectivity.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
