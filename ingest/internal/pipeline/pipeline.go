// Package pipeline drives one ingestion task through its phase plan. It is
// the only component fed by the task queue: each delivery is decoded,
// resumed from its stored state and checkpoints, and run phase by phase with
// a state write and a progress event on every boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/recette/ingest/internal/acquire"
	"github.com/hazyhaar/recette/ingest/internal/extraction"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/normalize"
	"github.com/hazyhaar/recette/ingest/internal/search"
	"github.com/hazyhaar/recette/ingest/internal/store"
	"github.com/hazyhaar/recette/observability"
)

// ErrCancelledByUser is the cancellation cause of a task stopped on request.
// Such a task is settled as cancelled; any other cancellation (shutdown) is
// returned so the queue redelivers the task.
var ErrCancelledByUser = errors.New("pipeline: task cancelled by user")

// Bus is the task/event bus the orchestrator writes to.
type Bus interface {
	State(ctx context.Context, taskID string) (*model.TaskState, error)
	SetTaskState(ctx context.Context, st *model.TaskState) error
	PublishEvent(ctx context.Context, ev model.Event) error
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*acquire.Page, error)
}

// Searcher discovers candidate pages for a query.
type Searcher interface {
	Search(ctx context.Context, query string, c model.SearchConstraints) (*search.Result, error)
}

// RecipeReader reads committed recipes for normalize mode.
type RecipeReader interface {
	Get(ctx context.Context, id string) (*model.Recipe, int64, error)
}

// Metrics receives phase datapoints. *observability.MetricsManager
// implements it.
type Metrics interface {
	Observe(name string, d time.Duration, labels map[string]string)
	Count(name string, n float64, labels map[string]string)
}

// Config tunes the orchestrator.
type Config struct {
	// NoAutoRepair reports paraphrase violations without asking the model to
	// rewrite them.
	NoAutoRepair bool `yaml:"no_auto_repair"`
	// SettleTimeout bounds the write of the final state of a cancelled task,
	// made after the task context is done. Default: 5s.
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

func (c *Config) defaults() {
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
}

// Deps are the collaborators of the orchestrator. Bus and Blobs are
// required; a nil Searcher fails query tasks with UNKNOWN_SEARCH_PROVIDER, a
// nil Normalizer fails normalize tasks with LLM_UNAVAILABLE.
type Deps struct {
	Bus        Bus
	Blobs      store.BlobStore
	Fetcher    Fetcher
	Extractor  *extraction.Extractor
	Guardrail  *guardrail.Guardrail
	Repairer   *guardrail.Repairer
	Normalizer *normalize.Engine
	Search     Searcher
	Recipes    RecipeReader
	Metrics    Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator runs tasks.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Guardrail == nil {
		deps.Guardrail = guardrail.New(guardrail.Config{})
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger, now: deps.Now}
}

// run is the per-task execution context.
type run struct {
	o    *Orchestrator
	task *model.IngestTask
	st   *model.TaskState
	prog *progress
	log  *slog.Logger

	// working data carried between phases
	url        string
	candidates []model.SearchCandidate
	outcome    *model.SearchOutcome
	page       *acquire.Page
	result     *extraction.Result
	validation model.ValidationReport
	notes      []model.Issue
	similarity *model.SimilarityReport
	guard      model.GuardrailOutcome
	artifacts  []model.ArtifactRef

	recipe        *model.Recipe
	recipeVersion int64
	proposal      *model.NormalizeProposal
}

// Handle runs the task delivered as payload under id. It returns an error
// only when the task state could not be written, or when the run was
// interrupted by a shutdown; the queue should then redeliver. Phase
// failures, panics included, are recorded on the state and Handle returns
// nil.
func (o *Orchestrator) Handle(ctx context.Context, id string, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			o.log.ErrorContext(ctx, "task handling panicked", "task_id", id, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline: handle %s: panic: %v", id, p)
		}
	}()
	st, err := o.deps.Bus.State(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = nil
	case err != nil:
		return err
	}
	if st != nil && (st.Status == model.StatusReviewReady || st.Status.Terminal()) {
		o.log.InfoContext(ctx, "task already settled, skipping", "task_id", id, "status", st.Status)
		return nil
	}

	task, derr := model.DecodeTask(payload)
	if derr == nil && task.ID != id {
		derr = model.Errorf(model.CodeInvalidPayload, "task id %q does not match delivery %q", task.ID, id)
	}
	if derr != nil {
		return o.rejectPayload(ctx, id, st, derr)
	}
	if st == nil {
		st = model.NewTaskState(task, o.now())
	}
	floor := 0
	if st.Status == model.StatusRunning {
		floor = st.Progress
	}
	r := &run{
		o:    o,
		task: task,
		st:   st,
		prog: newProgress(Plan(task.Mode), floor),
		log:  o.log.With("task_id", task.ID, "mode", task.Mode),
	}
	if err := st.Transition(model.StatusRunning); err != nil {
		return err
	}
	st.Error = nil
	return r.execute(ctx)
}

// rejectPayload fails a task whose payload does not decode, before any
// phase starts.
func (o *Orchestrator) rejectPayload(ctx context.Context, id string, st *model.TaskState, cause error) error {
	if st == nil {
		now := o.now()
		st = &model.TaskState{TaskID: id, CreatedAt: now}
	}
	st.Phase = model.PhaseInitialization
	st.Status = model.StatusFailed
	st.Error = model.Payload(cause, model.PhaseInitialization)
	st.Error.Code = model.CodeInvalidPayload
	o.log.WarnContext(ctx, "task payload rejected", "task_id", id, "error", cause)
	if err := o.deps.Bus.SetTaskState(ctx, st); err != nil {
		return err
	}
	o.deps.Metrics.Count(observability.MetricTaskOutcome, 1, map[string]string{"status": string(model.StatusFailed)})
	o.publish(ctx, st, st.Error.Code)
	return nil
}

func (r *run) execute(ctx context.Context) error {
	for _, pw := range Plan(r.task.Mode) {
		if ctx.Err() != nil {
			return r.fail(ctx, pw.Phase, ctx.Err())
		}
		if pw.Phase == model.PhaseReviewReady {
			return r.reviewReady(ctx)
		}
		cont, err := r.phase(ctx, pw)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

// phase runs one phase and reports whether the run goes on. False with a
// nil error means the task was settled as failed or cancelled.
func (r *run) phase(ctx context.Context, pw PhaseWeight) (bool, error) {
	fn := r.step(pw.Phase)
	if fn == nil {
		r.prog.finish(pw.Phase)
		return true, nil
	}

	if err := r.boundary(ctx, pw.Phase, r.prog.start()); err != nil {
		return false, err
	}
	started := r.o.now()
	perr := r.call(ctx, pw.Phase, fn)
	r.o.deps.Metrics.Observe(observability.MetricPhaseDurationMs, r.o.now().Sub(started),
		map[string]string{"phase": string(pw.Phase), "mode": string(r.task.Mode)})
	var sw *stateWriteError
	if errors.As(perr, &sw) {
		return false, sw.err
	}
	if perr != nil {
		return false, r.fail(ctx, pw.Phase, perr)
	}
	r.prog.finish(pw.Phase)
	return true, nil
}

// call runs fn, turning a panic into an INTERNAL failure of phase.
func (r *run) call(ctx context.Context, phase model.Phase, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "phase panicked", "phase", phase, "panic", p, "stack", string(debug.Stack()))
			err = model.Errorf(model.CodeInternal, "phase %s panicked: %v", phase, p)
		}
	}()
	return fn(ctx)
}

// boundary persists the state at phase start and announces it.
func (r *run) boundary(ctx context.Context, phase model.Phase, progress int) error {
	r.st.Phase = phase
	if err := r.write(ctx, progress); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "phase started", "phase", phase, "progress", progress)
	return nil
}

func (r *run) write(ctx context.Context, progress int) error {
	r.st.Progress = progress
	r.st.UpdatedAt = r.o.now()
	if err := r.o.deps.Bus.SetTaskState(ctx, r.st); err != nil {
		return err
	}
	r.o.publish(ctx, r.st, "")
	return nil
}

// advance publishes progress at fraction through the current phase.
func (r *run) advance(ctx context.Context, fraction float64) error {
	if err := r.write(ctx, r.prog.within(r.st.Phase, fraction)); err != nil {
		return &stateWriteError{err: err}
	}
	return nil
}

// fail settles the task after a phase error. Cancellation writes the
// cancelled state on a detached context; a shutdown cancellation is then
// returned so the delivery is retried.
func (r *run) fail(ctx context.Context, phase model.Phase, perr error) error {
	o := r.o
	if ctx.Err() != nil {
		r.st.Status = model.StatusCancelled
		r.st.Error = &model.ErrorPayload{Code: model.CodeCancelled, Message: "task cancelled", Phase: phase}
		settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettleTimeout)
		defer cancel()
		r.st.UpdatedAt = o.now()
		if err := o.deps.Bus.SetTaskState(settle, r.st); err != nil {
			r.log.Warn("cancelled state not written", "phase", phase, "error", err)
		} else {
			o.publish(settle, r.st, model.CodeCancelled)
		}
		r.log.Info("task cancelled", "phase", phase, "cause", context.Cause(ctx))
		if errors.Is(context.Cause(ctx), ErrCancelledByUser) {
			return nil
		}
		return ctx.Err()
	}

	r.st.Status = model.StatusFailed
	r.st.Error = model.Payload(perr, phase)
	r.st.UpdatedAt = o.now()
	r.log.WarnContext(ctx, "phase failed", "phase", phase, "code", r.st.Error.Code, "error", perr)
	if err := o.deps.Bus.SetTaskState(ctx, r.st); err != nil {
		return err
	}
	o.deps.Metrics.Count(observability.MetricTaskOutcome, 1,
		map[string]string{"status": string(model.StatusFailed), "code": r.st.Error.Code})
	o.publish(ctx, r.st, r.st.Error.Code)
	return nil
}

// publish announces st. The state is authoritative, so a lost event is
// logged and the run goes on.
func (o *Orchestrator) publish(ctx context.Context, st *model.TaskState, msg string) {
	ev := model.ProgressEvent(st, o.now())
	ev.Message = msg
	if err := o.deps.Bus.PublishEvent(ctx, ev); err != nil {
		o.log.WarnContext(ctx, "progress event not published", "task_id", st.TaskID, "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) Observe(string, time.Duration, map[string]string) {}
func (nopMetrics) Count(string, float64, map[string]string)         {}
