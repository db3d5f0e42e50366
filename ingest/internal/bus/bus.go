// Package bus is the task/event bus of the ingestion service: submitted
// tasks are queued in a SQLite visibility-timeout queue, their states live
// in the document store, and progress events go to the configured sinks.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/recette/idgen"
	"github.com/hazyhaar/recette/ingest/internal/events"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
	"github.com/hazyhaar/recette/vtq"
)

// Config tunes the queue.
type Config struct {
	Queue string `yaml:"queue"` // Default: "ingest".
	// Visibility is how long a claimed task stays hidden. The worker extends
	// it while the task runs. Default: 2m.
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"` // Default: 500ms.
	// MaxAttempts bounds redeliveries of one task. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay is how long a nacked task waits. Default: 5s.
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Concurrency int           `yaml:"concurrency"` // Default: 4.
}

func (c *Config) defaults() {
	if c.Queue == "" {
		c.Queue = "ingest"
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Delivery is one claimed task.
type Delivery struct {
	ID       string
	Payload  []byte
	Attempts int
}

// Handler processes a delivery. A nil return acks it; an error makes it
// visible again after the retry delay.
type Handler func(ctx context.Context, d *Delivery) error

// Bus ties the queue, the task store and the event sinks together.
type Bus struct {
	cfg    Config
	q      *vtq.Q
	tasks  *store.Tasks
	pub    events.Publisher
	logger *slog.Logger
	newID  idgen.Generator
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// WithIDGenerator sets the generator for task ids.
func WithIDGenerator(gen idgen.Generator) Option { return func(b *Bus) { b.newID = gen } }

// New creates a Bus whose queue lives in db. Call Init once at startup. A
// nil pub discards events.
func New(db *sql.DB, tasks *store.Tasks, pub events.Publisher, cfg Config, opts ...Option) *Bus {
	cfg.defaults()
	b := &Bus{
		cfg:    cfg,
		tasks:  tasks,
		pub:    pub,
		logger: slog.Default(),
		newID:  idgen.Prefixed("tsk_", idgen.Default),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.pub == nil {
		b.pub = events.Discard
	}
	b.q = vtq.New(db, vtq.Options{
		Queue:        cfg.Queue,
		Visibility:   cfg.Visibility,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   cfg.RetryDelay,
		OnDiscard:    b.discarded,
		Logger:       b.logger,
		Now:          b.now,
	})
	return b
}

// Init creates the queue table.
func (b *Bus) Init(ctx context.Context) error { return b.q.EnsureTable(ctx) }

// Submit validates task, stores it with a pending state and queues it. An
// empty ID is generated. Submitting an id that already exists returns the
// stored state; a stored task still pending is queued again, so a submit
// that failed halfway can be retried.
func (b *Bus) Submit(ctx context.Context, task *model.IngestTask) (*model.TaskState, error) {
	if task.ID == "" {
		task.ID = b.newID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = b.now()
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	st := model.NewTaskState(task, b.now())
	err := b.tasks.Create(ctx, task, st)
	if errors.Is(err, store.ErrVersionMismatch) {
		return b.resubmit(ctx, task.ID, st)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: store task %s: %w", task.ID, err)
	}
	if err := b.enqueueTask(ctx, task); err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "task submitted", "task_id", task.ID, "mode", task.Mode)
	b.announce(ctx, st)
	return st, nil
}

// resubmit completes an earlier Submit of id. The stored task wins over the
// one being submitted; fresh is its pending state when none was written.
func (b *Bus) resubmit(ctx context.Context, id string, fresh *model.TaskState) (*model.TaskState, error) {
	stored, err := b.tasks.Task(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bus: read task %s: %w", id, err)
	}
	st, err := b.tasks.State(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		st = model.NewTaskState(stored, fresh.CreatedAt)
		if err = b.tasks.SaveState(ctx, st); errors.Is(err, store.ErrVersionMismatch) {
			st, err = b.tasks.State(ctx, id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bus: state of %s: %w", id, err)
	}
	if st.Status != model.StatusPending {
		return st, nil
	}
	// The queue ignores an id it already holds.
	if err := b.enqueueTask(ctx, stored); err != nil {
		return nil, err
	}
	return st, nil
}

func (b *Bus) enqueueTask(ctx context.Context, task *model.IngestTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("bus: encode task: %w", err)
	}
	return b.Enqueue(ctx, task.ID, payload)
}

// announce publishes the progress event of st. The state is authoritative,
// so a lost event is only logged.
func (b *Bus) announce(ctx context.Context, st *model.TaskState) {
	if err := b.PublishEvent(ctx, model.ProgressEvent(st, b.now())); err != nil {
		b.logger.WarnContext(ctx, "progress event not published", "task_id", st.TaskID, "status", st.Status, "error", err)
	}
}

// Enqueue queues a raw payload under id without validating it; the
// orchestrator rejects what does not decode. Hosts bridging another queue
// use it.
func (b *Bus) Enqueue(ctx context.Context, id string, payload []byte) error {
	if _, err := b.q.Publish(ctx, id, payload); err != nil {
		return fmt.Errorf("bus: enqueue %s: %w", id, err)
	}
	return nil
}

// ReadNextTask claims the next visible task, or returns nil when the queue
// is empty.
func (b *Bus) ReadNextTask(ctx context.Context) (*Delivery, error) {
	j, err := b.q.Claim(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: claim: %w", err)
	}
	if j == nil {
		return nil, nil
	}
	return &Delivery{ID: j.ID, Payload: j.Payload, Attempts: j.Attempts}, nil
}

// Ack removes a finished delivery.
func (b *Bus) Ack(ctx context.Context, d *Delivery) error { return b.q.Ack(ctx, d.ID) }

// Nack makes a delivery visible again after the retry delay.
func (b *Bus) Nack(ctx context.Context, d *Delivery, cause error) error {
	return b.q.Nack(ctx, d.ID, cause)
}

// Remove drops the queued delivery of task id, if any.
func (b *Bus) Remove(ctx context.Context, id string) error {
	if err := b.q.Ack(ctx, id); err != nil {
		return fmt.Errorf("bus: remove %s: %w", id, err)
	}
	return nil
}

// Pending reports how many tasks are queued or running.
func (b *Bus) Pending(ctx context.Context) (int, error) { return b.q.Len(ctx) }

// SetTaskState writes st under compare-and-swap on st.Version. A lost race
// is COMMIT_CONFLICT wrapping store.ErrVersionMismatch.
func (b *Bus) SetTaskState(ctx context.Context, st *model.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = b.now()
	}
	err := b.tasks.SaveState(ctx, st)
	if errors.Is(err, store.ErrVersionMismatch) {
		return model.Wrap(model.CodeCommitConflict, err, "state of %s changed concurrently", st.TaskID).
			WithDetail("version", st.Version)
	}
	return err
}

// PublishEvent hands ev to the event sinks.
func (b *Bus) PublishEvent(ctx context.Context, ev model.Event) error {
	return b.pub.Publish(ctx, ev)
}

// State reads a task state. A missing task is TASK_NOT_FOUND wrapping
// store.ErrNotFound.
func (b *Bus) State(ctx context.Context, id string) (*model.TaskState, error) {
	st, err := b.tasks.State(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Wrap(model.CodeTaskNotFound, err, "task %s not found", id)
	}
	return st, err
}

// Task reads the submitted task.
func (b *Bus) Task(ctx context.Context, id string) (*model.IngestTask, error) {
	t, err := b.tasks.Task(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Wrap(model.CodeTaskNotFound, err, "task %s not found", id)
	}
	return t, err
}

// Run consumes the queue with cfg.Concurrency workers until ctx is done.
// Each running task keeps its claim alive.
func (b *Bus) Run(ctx context.Context, h Handler) {
	b.q.RunBatch(ctx, b.cfg.Concurrency, b.cfg.Concurrency, func(ctx context.Context, j *vtq.Job) error {
		return h(ctx, &Delivery{ID: j.ID, Payload: j.Payload, Attempts: j.Attempts})
	})
}

// discarded fails a task whose deliveries were exhausted, unless it already
// settled.
func (b *Bus) discarded(ctx context.Context, j *vtq.Job) {
	ctx = context.WithoutCancel(ctx)
	st, err := b.State(ctx, j.ID)
	if err != nil {
		b.logger.Warn("discarded task has no state", "task_id", j.ID, "error", err)
		return
	}
	if st.Status == model.StatusReviewReady || st.Status.Terminal() {
		return
	}
	st.Status = model.StatusFailed
	st.Error = &model.ErrorPayload{
		Code:    model.CodeInternal,
		Message: fmt.Sprintf("task abandoned after %d delivery attempts", j.Attempts-1),
		Phase:   st.Phase,
	}
	st.UpdatedAt = b.now()
	if err := b.SetTaskState(ctx, st); err != nil {
		b.logger.Warn("discarded task state not written", "task_id", j.ID, "error", err)
		return
	}
	b.announce(ctx, st)
}
