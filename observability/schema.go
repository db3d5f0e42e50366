package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema contains the DDL for the observability tables. Apply it with Init
// or through dbopen.WithSchema.
const Schema = `
-- Progress events: outbox read by hosts that poll instead of subscribing
CREATE TABLE IF NOT EXISTS progress_events (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id  TEXT NOT NULL UNIQUE,
    type      TEXT NOT NULL,
    task_id   TEXT NOT NULL,
    thread_id TEXT NOT NULL DEFAULT '',
    phase     TEXT NOT NULL,
    progress  INTEGER NOT NULL,
    status    TEXT NOT NULL,
    message   TEXT NOT NULL DEFAULT '',
    at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_task ON progress_events(task_id, seq);
CREATE INDEX IF NOT EXISTS idx_progress_at ON progress_events(at);

-- Phase metrics
CREATE TABLE IF NOT EXISTS phase_metrics (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_phase_metrics_name_time ON phase_metrics(metric_name, timestamp DESC);

-- Review dispositions
CREATE TABLE IF NOT EXISTS disposition_audit (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    task_id       TEXT NOT NULL,
    action        TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL,
    recipe_id     TEXT NOT NULL DEFAULT '',
    error_code    TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    details       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_disposition_task ON disposition_audit(task_id, timestamp);

-- Worker heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id     INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    queue_depth      INTEGER NOT NULL DEFAULT -1,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time ON worker_heartbeats(worker_name, timestamp DESC);
`

// Init applies the schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Retention gives per-table retention. Zero keeps everything.
type Retention struct {
	Events     time.Duration `yaml:"events"`
	Metrics    time.Duration `yaml:"metrics"`
	Audit      time.Duration `yaml:"audit"`
	Heartbeats time.Duration `yaml:"heartbeats"`
}

// Cleanup deletes rows older than the retention thresholds and returns how
// many were removed.
func Cleanup(ctx context.Context, db *sql.DB, r Retention, now time.Time) (int64, error) {
	targets := []struct {
		query string
		keep  time.Duration
		milli bool
	}{
		{`DELETE FROM progress_events WHERE at < ?`, r.Events, true},
		{`DELETE FROM phase_metrics WHERE timestamp < ?`, r.Metrics, true},
		{`DELETE FROM disposition_audit WHERE timestamp < ?`, r.Audit, true},
		{`DELETE FROM worker_heartbeats WHERE timestamp < ?`, r.Heartbeats, false},
	}
	var total int64
	for _, t := range targets {
		if t.keep <= 0 {
			continue
		}
		cutoff := now.Add(-t.keep)
		arg := cutoff.Unix()
		if t.milli {
			arg = cutoff.UnixMilli()
		}
		res, err := db.ExecContext(ctx, t.query, arg)
		if err != nil {
			return total, fmt.Errorf("observability cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
