package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/recette/idgen"
)

// Event is one progress notification as stored in the outbox.
type Event struct {
	Seq      int64     `json:"seq"`
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TaskID   string    `json:"taskId"`
	ThreadID string    `json:"threadId,omitempty"`
	Phase    string    `json:"phase"`
	Progress int       `json:"progress"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// EventLog appends progress events to the progress_events table. Writes are
// synchronous: the orchestrator publishes after each state write and wants
// to know when an event was lost.
type EventLog struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets the event id generator.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// NewEventLog creates an EventLog over db.
func NewEventLog(db *sql.DB, opts ...EventLogOption) *EventLog {
	l := &EventLog{db: db, newID: idgen.Prefixed("evt_", idgen.Default)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append stores e and fills its ID and Seq.
func (l *EventLog) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO progress_events (event_id, type, task_id, thread_id, phase, progress, status, message, at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.TaskID, e.ThreadID, e.Phase, e.Progress, e.Status, e.Message, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("observability: append event: %w", err)
	}
	e.Seq, _ = res.LastInsertId()
	return nil
}

// Since returns events after seq, oldest first. An empty taskID reads all
// tasks. limit <= 0 means 100.
func (l *EventLog) Since(ctx context.Context, taskID string, seq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq, event_id, type, task_id, thread_id, phase, progress, status, message, at
		FROM progress_events WHERE seq > ?`
	args := []any{seq}
	if taskID != "" {
		q += " AND task_id = ?"
		args = append(args, taskID)
	}
	q += " ORDER BY seq LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.TaskID, &e.ThreadID, &e.Phase, &e.Progress, &e.Status, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
