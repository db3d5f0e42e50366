// Package observability records what the ingestion service does into SQLite:
// progress events for polling hosts, reviewer dispositions, phase metrics
// and worker heartbeats. Use a database separate from the document store so
// telemetry writes never contend with commits.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by the pipeline.
const (
	MetricPhaseDurationMs = "phase_duration_ms"
	MetricTaskOutcome     = "task_outcome_count"
	MetricFetchAttempts   = "fetch_attempts"
	MetricLLMCalls        = "llm_calls"
	MetricRepairAttempts  = "repair_attempts"
	MetricSearchFallback  = "search_fallback_count"
)

// Metric is one datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// MetricsManager buffers datapoints and writes them in batches. Record never
// blocks on the database; a full buffer triggers a flush inline.
type MetricsManager struct {
	db            *sql.DB
	logger        *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Metric

	stop chan struct{}
	done chan struct{}
}

// MetricsOption configures a MetricsManager.
type MetricsOption func(*MetricsManager)

// WithBufferSize sets the batch size. Default 100.
func WithBufferSize(n int) MetricsOption { return func(m *MetricsManager) { m.bufferSize = n } }

// WithFlushInterval sets the periodic flush. Default 5s.
func WithFlushInterval(d time.Duration) MetricsOption {
	return func(m *MetricsManager) { m.flushInterval = d }
}

// WithMetricsLogger sets the logger for flush failures.
func WithMetricsLogger(l *slog.Logger) MetricsOption { return func(m *MetricsManager) { m.logger = l } }

// NewMetricsManager starts the flush loop. Close stops it.
func NewMetricsManager(db *sql.DB, opts ...MetricsOption) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		logger:        slog.Default(),
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	mm.buffer = make([]Metric, 0, mm.bufferSize)
	go mm.loop()
	return mm
}

// Record queues a datapoint.
func (mm *MetricsManager) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Observe records a duration in milliseconds.
func (mm *MetricsManager) Observe(name string, d time.Duration, labels map[string]string) {
	mm.Record(Metric{Name: name, Value: float64(d.Milliseconds()), Labels: labels, Unit: "milliseconds"})
}

// Count records a counter increment.
func (mm *MetricsManager) Count(name string, n float64, labels map[string]string) {
	mm.Record(Metric{Name: name, Value: n, Labels: labels, Unit: "count"})
}

// Flush writes buffered datapoints now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Close flushes and stops the loop.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability metrics: begin tx", "error", err, "dropped", len(mm.buffer))
		mm.buffer = mm.buffer[:0]
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO phase_metrics (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability metrics: prepare", "error", err)
		mm.buffer = mm.buffer[:0]
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability metrics: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability metrics: commit", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}

// Summary aggregates one metric.
type Summary struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
}

// Summarize aggregates every metric recorded since the given time, by name.
func (mm *MetricsManager) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT metric_name, COUNT(*), SUM(value), AVG(value), MAX(value)
		FROM phase_metrics WHERE timestamp >= ?
		GROUP BY metric_name ORDER BY metric_name`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: summarize: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Name, &s.Count, &s.Sum, &s.Avg, &s.Max); err != nil {
			return nil, fmt.Errorf("observability: scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Query returns datapoints of name recorded since the given time, newest
// first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := mm.db.QueryContext(ctx, `
		SELECT metric_name, timestamp, value, labels, unit FROM phase_metrics
		WHERE metric_name = ? AND timestamp >= ? ORDER BY timestamp DESC LIMIT ?`,
		name, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
