package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/hostagent/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteListenerLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Latest(ctx, 9001); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}

	rec := store.Record{ID: "id-1", Port: 9001, Status: store.StatusRunning, StartedAt: time.Now().UTC()}
	if err := db.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := db.Latest(ctx, 9001)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != "id-1" || got.Status != store.StatusRunning || got.Port != 9001 {
		t.Fatalf("unexpected record: %+v", got)
	}

	n, err := db.MarkStopped(ctx, 9001)
	if err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row updated, got %d", n)
	}
	got, err = db.Latest(ctx, 9001)
	if err != nil {
		t.Fatalf("latest after stop: %v", err)
	}
	if got.Status != store.StatusStopped {
		t.Fatalf("expected stopped, got %q", got.Status)
	}

	// second stop touches nothing
	n, err = db.MarkStopped(ctx, 9001)
	if err != nil || n != 0 {
		t.Fatalf("second mark stopped: n=%d err=%v", n, err)
	}
}

func TestSQLiteLatestPicksNewestStart(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).UTC()
	if err := db.Insert(ctx, store.Record{ID: "old", Port: 7000, Status: store.StatusStopped, StartedAt: old}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := db.Insert(ctx, store.Record{ID: "new", Port: 7000, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("insert new: %v", err)
	}
	got, err := db.Latest(ctx, 7000)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != "new" || got.Status != store.StatusRunning {
		t.Fatalf("expected newest running record, got %+v", got)
	}

	all, err := db.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "new" {
		t.Fatalf("unexpected list: %+v", all)
	}
}

func TestSQLiteMarkAllStopped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i, port := range []int{8001, 8002, 8003} {
		rec := store.Record{ID: string(rune('a' + i)), Port: port}
		if err := db.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", port, err)
		}
	}
	n, err := db.MarkAllStopped(ctx)
	if err != nil {
		t.Fatalf("mark all stopped: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
	for _, port := range []int{8001, 8002, 8003} {
		got, err := db.Latest(ctx, port)
		if err != nil || got.Status != store.StatusStopped {
			t.Fatalf("port %d: rec=%+v err=%v", port, got, err)
		}
	}
}

func TestSQLiteFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()
	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.Insert(ctx, store.Record{ID: "x", Port: 6001}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema twice: %v", err)
	}
	got, err := db2.Latest(ctx, 6001)
	if err != nil || got.ID != "x" {
		t.Fatalf("expected persisted record, got %+v err=%v", got, err)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
