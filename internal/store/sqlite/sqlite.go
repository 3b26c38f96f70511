package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/hostagent/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listeners(
			id TEXT PRIMARY KEY,
			port INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listeners_port ON listeners(port);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Insert(ctx context.Context, rec store.Record) error {
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.Status == "" {
		rec.Status = store.StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listeners(id, port, status, started_at, updated_at)
		VALUES(?, ?, ?, ?, ?);`,
		rec.ID, rec.Port, rec.Status, rec.StartedAt.UTC(), now)
	return err
}

func (s *DB) MarkStopped(ctx context.Context, port int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listeners
		SET status=?, updated_at=?
		WHERE port=? AND status=?;`,
		store.StatusStopped, time.Now().UTC(), port, store.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) MarkAllStopped(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listeners
		SET status=?, updated_at=?
		WHERE status=?;`,
		store.StatusStopped, time.Now().UTC(), store.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) Latest(ctx context.Context, port int) (store.Record, error) {
	var r store.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT id, port, status, started_at, updated_at
		FROM listeners
		WHERE port=?
		ORDER BY started_at DESC, updated_at DESC
		LIMIT 1;`, port).Scan(&r.ID, &r.Port, &r.Status, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return r, nil
}

func (s *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, port, status, started_at, updated_at
		FROM listeners
		ORDER BY started_at DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.Port, &r.Status, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
