// Package events delivers progress notifications to hosts. The pipeline
// publishes one event per phase boundary through a Publisher; sinks are the
// SQLite outbox polled by the service and, optionally, a Kafka topic.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/observability"
)

// Publisher delivers one event. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, ev model.Event) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = Func(func(context.Context, model.Event) error { return nil })

// Fanout publishes to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
type Fanout []Publisher

// Publish delivers ev to each sink in order.
func (f Fanout) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outbox stores events in the observability event log.
type Outbox struct {
	log *observability.EventLog
}

// NewOutbox wraps log.
func NewOutbox(log *observability.EventLog) *Outbox { return &Outbox{log: log} }

// Publish appends ev to the outbox.
func (o *Outbox) Publish(ctx context.Context, ev model.Event) error {
	rec := toRecord(ev)
	if err := o.log.Append(ctx, &rec); err != nil {
		return fmt.Errorf("events: outbox: %w", err)
	}
	return nil
}

// Since reads events of taskID after the cursor seq. The returned cursor is
// the seq of the last event read, or seq when nothing new arrived.
func (o *Outbox) Since(ctx context.Context, taskID string, seq int64, limit int) ([]model.Event, int64, error) {
	recs, err := o.log.Since(ctx, taskID, seq, limit)
	if err != nil {
		return nil, seq, err
	}
	out := make([]model.Event, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
		seq = r.Seq
	}
	return out, seq, nil
}

func toRecord(ev model.Event) observability.Event {
	return observability.Event{
		Type:     ev.Type,
		TaskID:   ev.TaskID,
		ThreadID: ev.ThreadID,
		Phase:    string(ev.Phase),
		Progress: ev.Progress,
		Status:   string(ev.Status),
		Message:  ev.Message,
		At:       ev.At,
	}
}

func fromRecord(r observability.Event) model.Event {
	return model.Event{
		Type:     r.Type,
		TaskID:   r.TaskID,
		ThreadID: r.ThreadID,
		Phase:    model.Phase(r.Phase),
		Progress: r.Progress,
		Status:   model.Status(r.Status),
		Message:  r.Message,
		At:       r.At,
	}
}

// Memory keeps events in memory. Tests and single-process hosts use it.
type Memory struct {
	mu     sync.Mutex
	events []model.Event
}

// Publish records ev.
func (m *Memory) Publish(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of what was published, optionally for one task.
func (m *Memory) Events(taskID string) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, ev := range m.events {
		if taskID == "" || ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}
