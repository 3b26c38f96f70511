package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/hostagent/internal/history"
	"github.com/loykin/hostagent/internal/store"
)

// setupClickHouseContainer starts a ClickHouse container, skipping when Docker is unavailable.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "listener_history")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	rec := store.Record{ID: "ch-1", Port: 9200, Status: store.StatusRunning, StartedAt: time.Now().UTC()}
	if err := sink.Send(ctx, history.NewEvent(history.EventStart, rec)); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	rec.Status = store.StatusStopped
	if err := sink.Send(ctx, history.NewEvent(history.EventStop, rec)); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM listener_history WHERE listener_id = ?", rec.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("127.0.0.1:1", "listener_history"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}

func TestClickHouseSink_InvalidTable(t *testing.T) {
	if _, err := New("127.0.0.1:1", "drop table;"); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestValidIdent(t *testing.T) {
	cases := map[string]bool{
		"listener_history": true,
		"db.events":        true,
		"_t1":              true,
		"1abc":             false,
		"a-b":              false,
		"":                 false,
		"x y":              false,
	}
	for in, want := range cases {
		if got := validIdent(in); got != want {
			t.Errorf("validIdent(%q)=%v want %v", in, got, want)
		}
	}
}
