package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/simctl/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
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
		t.Skipf("ClickHouse container unavailable: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return container, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "default", "run_history")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	now := time.Now().UTC()
	rec := history.Record{RunID: "ch-run", Mode: "dot", Executable: "/bin/sim", PID: 77, StartedAt: now}
	if err := sink.Send(ctx, history.Event{Type: history.EventRunStarted, OccurredAt: now, Record: rec}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	rec.Lines, rec.Rows, rec.Transitions = 12, 4, 9
	if err := sink.Send(ctx, history.Event{Type: history.EventAggregated, OccurredAt: now.Add(time.Second), Record: rec}); err != nil {
		t.Fatalf("send aggregated: %v", err)
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, "SELECT count() FROM run_history WHERE run_id = ?", rec.RunID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}

	var transitions uint32
	if err := sink.conn.QueryRow(ctx, "SELECT transitions FROM run_history WHERE run_id = ? AND type = ?", rec.RunID, string(history.EventAggregated)).Scan(&transitions); err != nil {
		t.Fatalf("select transitions: %v", err)
	}
	if transitions != 9 {
		t.Errorf("expected transitions 9, got %d", transitions)
	}
}
