package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Schema creates the sql_traces table.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL DEFAULT '',
	op          TEXT NOT NULL,
	query       TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_at ON sql_traces(at);
CREATE INDEX IF NOT EXISTS idx_sql_traces_rid ON sql_traces(request_id) WHERE request_id != '';
`

const (
	bufferSize = 1024
	batchSize  = 64
)

// Store writes entries to sql_traces in batches from a background goroutine.
// Its db must use the plain "sqlite" driver, or the store traces its own
// inserts.
type Store struct {
	db   *sql.DB
	log  *slog.Logger
	min  time.Duration
	ch   chan Entry
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	dropped int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMinDuration keeps only entries at least d long, and every failed one.
func WithMinDuration(d time.Duration) StoreOption { return func(s *Store) { s.min = d } }

// WithStoreLogger sets the logger for flush errors.
func WithStoreLogger(l *slog.Logger) StoreOption { return func(s *Store) { s.log = l } }

// NewStore applies Schema and starts the flush loop.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("trace: apply schema: %w", err)
	}
	s := &Store{
		db:   db,
		log:  slog.Default(),
		ch:   make(chan Entry, bufferSize),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s, nil
}

// Record queues e. A full buffer drops the entry.
func (s *Store) Record(e Entry) {
	if e.Error == "" && e.Duration < s.min {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many entries were lost to a full buffer.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes queued entries and stops the loop. Entries recorded after
// Close panic, so unset the recorder first.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) loop() {
	defer close(s.done)
	batch := make([]Entry, 0, batchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			s.flush(batch)
			batch = batch[:0]
		}
	}
}

func (s *Store) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.log.Error("trace: begin flush", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO sql_traces (request_id, op, query, duration_us, error, at)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		s.log.Error("trace: prepare flush", "error", err)
		return
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(e.RequestID, e.Op, e.Query, e.Duration.Microseconds(), e.Error, e.At.UnixMicro()); err != nil {
			s.log.Error("trace: insert", "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.log.Error("trace: commit flush", "error", err)
	}
}

// Slowest returns the longest statements recorded since the given time.
func (s *Store) Slowest(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, op, query, duration_us, error, at FROM sql_traces
		WHERE at >= ? ORDER BY duration_us DESC LIMIT ?`, since.UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("trace: query slowest: %w", err)
	}
	defer rows.Close()
	return scan(rows)
}

// ForRequest returns the statements issued by one request, in order.
func (s *Store) ForRequest(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, op, query, duration_us, error, at FROM sql_traces
		WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("trace: query request: %w", err)
	}
	defer rows.Close()
	return scan(rows)
}

// Prune deletes entries older than cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sql_traces WHERE at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("trace: prune: %w", err)
	}
	return res.RowsAffected()
}

func scan(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			us, at int64
		)
		if err := rows.Scan(&e.RequestID, &e.Op, &e.Query, &us, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("trace: scan: %w", err)
		}
		e.Duration = time.Duration(us) * time.Microsecond
		e.At = time.UnixMicro(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
