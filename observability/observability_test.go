package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"progress_events", "phase_metrics", "disposition_audit", "worker_heartbeats"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// WHAT: Init is idempotent.
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
}

// --- EventLog ---

func TestEventLog_AppendSince(t *testing.T) {
	db := setupObsDB(t)
	n := 0
	log := NewEventLog(db, WithEventIDGenerator(func() string { n++; return "evt_" + string(rune('a'+n)) }))
	ctx := context.Background()

	for i, task := range []string{"tsk_1", "tsk_2", "tsk_1"} {
		e := &Event{Type: "progress", TaskID: task, Phase: "fetching", Progress: 10 * (i + 1), Status: "running"}
		if err := log.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Seq == 0 || e.ID == "" || e.At.IsZero() {
			t.Fatalf("append did not fill fields: %+v", e)
		}
	}

	all, err := log.Since(ctx, "", 0, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	mine, err := log.Since(ctx, "tsk_1", 0, 10)
	if err != nil || len(mine) != 2 {
		t.Fatalf("tsk_1 = %d, %v", len(mine), err)
	}
	if mine[0].Progress != 10 || mine[1].Progress != 30 {
		t.Fatalf("order: %+v", mine)
	}

	// WHAT: a cursor skips what was already read.
	rest, _ := log.Since(ctx, "tsk_1", mine[0].Seq, 10)
	if len(rest) != 1 || rest[0].Seq != mine[1].Seq {
		t.Fatalf("cursor: %+v", rest)
	}

	// WHAT: event ids are unique.
	dup := &Event{ID: mine[0].ID, Type: "progress", TaskID: "tsk_1", Phase: "x", Status: "running"}
	if err := log.Append(ctx, dup); err == nil {
		t.Fatal("duplicate event id accepted")
	}
}

// --- AuditLog ---

func TestAuditLog_RecordForTask(t *testing.T) {
	db := setupObsDB(t)
	audit := NewAuditLog(db)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	entries := []*AuditEntry{
		{Timestamp: base, TaskID: "tsk_1", Action: "edit", Actor: "alice", Outcome: OutcomeSuccess},
		{Timestamp: base.Add(time.Second), TaskID: "tsk_1", Action: "commit", Actor: "alice",
			Outcome: OutcomeError, ErrorCode: "VERSION_MISMATCH", Duration: 42 * time.Millisecond,
			Details: map[string]any{"expected": 3.0}},
		{Timestamp: base, TaskID: "tsk_2", Action: "reject", Outcome: OutcomeSuccess},
	}
	for _, e := range entries {
		if err := audit.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := audit.ForTask(ctx, "tsk_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Action != "edit" || got[1].Action != "commit" {
		t.Fatalf("entries = %+v", got)
	}
	c := got[1]
	if c.ErrorCode != "VERSION_MISMATCH" || c.Duration != 42*time.Millisecond || c.Details["expected"] != 3.0 {
		t.Fatalf("commit entry = %+v", c)
	}
	if c.EntryID == "" || !c.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("id/timestamp = %q %v", c.EntryID, c.Timestamp)
	}
}

// --- MetricsManager ---

func TestMetricsManager_BufferAndFlush(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithBufferSize(3), WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.Observe(MetricPhaseDurationMs, 120*time.Millisecond, map[string]string{"phase": "fetching"})
	mm.Count(MetricFetchAttempts, 1, nil)
	if n := countRows(t, db, "phase_metrics"); n != 0 {
		t.Fatalf("flushed early: %d rows", n)
	}

	// WHAT: reaching the buffer size flushes inline.
	mm.Count(MetricFetchAttempts, 2, nil)
	if n := countRows(t, db, "phase_metrics"); n != 3 {
		t.Fatalf("rows after full buffer = %d", n)
	}

	mm.Count(MetricLLMCalls, 1, map[string]string{"phase": "extract"})
	mm.Flush()
	if n := countRows(t, db, "phase_metrics"); n != 4 {
		t.Fatalf("rows after Flush = %d", n)
	}

	ctx := context.Background()
	since := time.Now().Add(-time.Minute)
	pts, err := mm.Query(ctx, MetricPhaseDurationMs, since, 10)
	if err != nil || len(pts) != 1 {
		t.Fatalf("query = %d, %v", len(pts), err)
	}
	if pts[0].Value != 120 || pts[0].Labels["phase"] != "fetching" || pts[0].Unit != "milliseconds" {
		t.Fatalf("point = %+v", pts[0])
	}

	sums, err := mm.Summarize(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]Summary{}
	for _, s := range sums {
		byName[s.Name] = s
	}
	if fa := byName[MetricFetchAttempts]; fa.Count != 2 || fa.Sum != 3 || fa.Max != 2 {
		t.Fatalf("fetch_attempts summary = %+v", fa)
	}
}

func TestMetricsManager_CloseFlushes(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	mm.Count(MetricTaskOutcome, 1, map[string]string{"status": "review_ready"})
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, db, "phase_metrics"); n != 1 {
		t.Fatalf("rows after Close = %d", n)
	}
}

// --- Heartbeat ---

func TestHeartbeatWriter(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	if hs, err := LatestHeartbeat(ctx, db, "worker", time.Minute); err != nil || hs != nil {
		t.Fatalf("no heartbeat yet: %+v, %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "worker", time.Second, func(context.Context) (int, error) { return 7, nil })
	if err := hw.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(ctx, db, "worker", time.Minute)
	if err != nil || hs == nil {
		t.Fatalf("latest = %+v, %v", hs, err)
	}
	if hs.QueueDepth != 7 || !hs.Alive || hs.PID == 0 {
		t.Fatalf("status = %+v", hs)
	}
}

func TestHeartbeatWriter_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	hw := NewHeartbeatWriter(db, "w", 10*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- hw.Run(ctx) }()
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if n := countRows(t, db, "worker_heartbeats"); n < 1 {
		t.Fatal("no heartbeats written")
	}
}

// --- Cleanup ---

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	events := NewEventLog(db)
	events.Append(ctx, &Event{Type: "progress", TaskID: "t", Phase: "p", Status: "running", At: old})
	events.Append(ctx, &Event{Type: "progress", TaskID: "t", Phase: "p", Status: "running", At: now})

	audit := NewAuditLog(db)
	audit.Record(ctx, &AuditEntry{Timestamp: old, TaskID: "t", Action: "commit", Outcome: OutcomeSuccess})

	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, old.Unix())
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, now.Unix())

	n, err := Cleanup(ctx, db, Retention{Events: 24 * time.Hour, Heartbeats: 24 * time.Hour}, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if countRows(t, db, "progress_events") != 1 || countRows(t, db, "worker_heartbeats") != 1 {
		t.Fatal("wrong rows removed")
	}
	// WHAT: zero retention keeps the table untouched.
	if countRows(t, db, "disposition_audit") != 1 {
		t.Fatal("audit trimmed without retention")
	}
}
