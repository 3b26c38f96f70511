package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/hostagent/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listeners(
			id TEXT PRIMARY KEY,
			port INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listeners_port ON listeners(port);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *DB) Insert(ctx context.Context, rec store.Record) error {
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.Status == "" {
		rec.Status = store.StatusRunning
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listeners(id, port, status, started_at, updated_at)
		VALUES($1,$2,$3,$4,$5);`,
		rec.ID, rec.Port, rec.Status, rec.StartedAt.UTC(), now)
	return err
}

func (p *DB) MarkStopped(ctx context.Context, port int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE listeners
		SET status=$1, updated_at=$2
		WHERE port=$3 AND status=$4;`,
		store.StatusStopped, time.Now().UTC(), port, store.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) MarkAllStopped(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE listeners
		SET status=$1, updated_at=$2
		WHERE status=$3;`,
		store.StatusStopped, time.Now().UTC(), store.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) Latest(ctx context.Context, port int) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT id, port, status, started_at, updated_at
		FROM listeners
		WHERE port=$1
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

func (p *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, port, status, started_at, updated_at
		FROM listeners
		ORDER BY started_at DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
