// Package vtq implements a visibility-timeout queue backed by SQLite.
//
// A claimed job is invisible to other consumers until its visibility
// deadline passes. A consumer that finishes acks (deletes) the job; one that
// crashes or stalls lets the deadline lapse and the job reappears for
// another instance. Long handlers keep their claim alive with a heartbeat.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,             -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Several queues share one table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts bounds redeliveries; 0 means unlimited.
	MaxAttempts int
	// RetryDelay is how long a nacked job waits before reappearing. Default: 0.
	RetryDelay time.Duration
	// OnDiscard is called for a job dropped after MaxAttempts.
	OnDiscard func(ctx context.Context, job *Job)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Schema is the queue table DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS vtq_jobs (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
`

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Publish inserts a job that is immediately visible. Publishing an id that
// is already queued is a no-op and reports false.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	now := q.opts.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Claim atomically picks the oldest visible job, hides it for the
// visibility duration and returns it. Returns nil, nil when the queue has
// nothing visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when none are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again after RetryDelay and records the cause.
func (q *Q) Nack(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	visible := q.opts.Now().Add(q.opts.RetryDelay).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		visible, msg, id, q.opts.Queue)
	return err
}

// Extend pushes the visibility deadline of a claimed job forward.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := q.opts.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue)
	return err
}

// Len returns the number of jobs (visible and claimed) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// RunBatch polls in batches and processes jobs with bounded concurrency.
// Each handler runs with a heartbeat that extends its claim every half
// visibility period. RunBatch blocks until ctx is cancelled and drains
// in-flight handlers before returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
		}

		free := maxConcurrency - len(sem)
		if free <= 0 {
			continue
		}
		if free > batchSize {
			free = batchSize
		}
		jobs, err := q.BatchClaim(ctx, free)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			}
			continue
		}
		for _, job := range jobs {
			if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
				log.Warn("vtq: job exceeded max attempts, discarding",
					"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(ctx, job)
				}
				_ = q.Ack(ctx, job.ID)
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.process(ctx, j, handler)
			}(job)
		}
	}
}

func (q *Q) process(ctx context.Context, j *Job, handler Handler) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go q.heartbeat(hbCtx, j.ID)

	err := handler(ctx, j)
	// The claim is settled even when ctx was cancelled mid-handler.
	settle := context.WithoutCancel(ctx)
	if err != nil {
		q.opts.Logger.Warn("vtq: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
		_ = q.Nack(settle, j.ID, err)
		return
	}
	_ = q.Ack(settle, j.ID)
}

func (q *Q) heartbeat(ctx context.Context, id string) {
	t := time.NewTicker(q.opts.Visibility / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := q.Extend(ctx, id, q.opts.Visibility); err != nil && !errors.Is(err, context.Canceled) {
				q.opts.Logger.Warn("vtq: heartbeat failed", "id", id, "error", err)
			}
		}
	}
}
