package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter writes periodic liveness rows for a worker, with the task
// queue depth when a probe is given.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	queueDepth func(context.Context) (int, error)
	logger     *slog.Logger
}

// NewHeartbeatWriter creates a writer. queueDepth may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, queueDepth func(context.Context) (int, error)) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   host,
		pid:        os.Getpid(),
		interval:   interval,
		queueDepth: queueDepth,
		logger:     slog.Default(),
	}
}

// Beat writes one heartbeat.
func (hw *HeartbeatWriter) Beat(ctx context.Context) error {
	depth := -1
	if hw.queueDepth != nil {
		if n, err := hw.queueDepth(ctx); err == nil {
			depth = n
		}
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, queue_depth, goroutines_count, memory_alloc_mb)
		VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().Unix(), depth,
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately, then every interval until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Beat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName string    `json:"workerName"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	QueueDepth int       `json:"queueDepth"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of workerName, or nil when
// none was written. A heartbeat older than staleAfter is not Alive.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var (
		hs HeartbeatStatus
		ts int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, queue_depth
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC, heartbeat_id DESC LIMIT 1`, workerName,
	).Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.QueueDepth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
