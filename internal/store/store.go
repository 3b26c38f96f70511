package store

import (
	"context"
	"errors"
	"time"
)

// Listener status values persisted in the listeners table.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// ErrNotFound is returned when no record matches the requested port.
var ErrNotFound = errors.New("listener record not found")

// Record is one row of the listeners audit table.
// ID is generated when the listener starts and never reused.
// Port is compared as an integer in every query.
// StartedAt and UpdatedAt are stored in UTC.

type Record struct {
	ID        string    `json:"id"`
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Running reports whether the record was last seen running.
func (r Record) Running() bool { return r.Status == StatusRunning }

// Store is the persistence contract of the listener registry.
// It is a best-effort audit log: the in-memory listener table stays authoritative.

type Store interface {
	// EnsureSchema creates the listeners table if absent.
	EnsureSchema(ctx context.Context) error
	// Insert writes a new record.
	Insert(ctx context.Context, rec Record) error
	// MarkStopped flips every running record of port to stopped.
	MarkStopped(ctx context.Context, port int) (int64, error)
	// MarkAllStopped flips every running record to stopped.
	MarkAllStopped(ctx context.Context) (int64, error)
	// Latest returns the most recently started record of port.
	Latest(ctx context.Context, port int) (Record, error)
	// List returns records ordered newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}
