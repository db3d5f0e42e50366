// Package ingest is the recipe ingestion service: it accepts url, query and
// normalize tasks, runs them through the phase pipeline on a durable queue,
// and applies reviewer dispositions (commit, reject, normalize) to the
// drafts they produce.
//
// The service owns one SQLite database for its queue, events, metrics,
// audit trail and model routes. Task states, recipes and artifacts go to
// the document and blob stores, SQLite by default, Redis and S3 when the
// host provides them.
//
//	db, _ := dbopen.Open("recette.db", dbopen.WithMkdirAll())
//	svc, _ := ingest.New(db, cfg, ingest.WithLogger(logger))
//	defer svc.Close()
//	go svc.Run(ctx)
//	st, _ := svc.Submit(ctx, &ingest.Task{Mode: ingest.ModeURL, URL: "https://cook.example/tart"})
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/ingest/internal/acquire"
	"github.com/hazyhaar/recette/ingest/internal/bus"
	"github.com/hazyhaar/recette/ingest/internal/events"
	"github.com/hazyhaar/recette/ingest/internal/extraction"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/lifecycle"
	"github.com/hazyhaar/recette/ingest/internal/llm"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/normalize"
	"github.com/hazyhaar/recette/ingest/internal/pipeline"
	"github.com/hazyhaar/recette/ingest/internal/search"
	"github.com/hazyhaar/recette/ingest/internal/store"
	"github.com/hazyhaar/recette/kit"
	"github.com/hazyhaar/recette/observability"
	"github.com/hazyhaar/recette/vtq"
)

type (
	Task              = model.IngestTask
	TaskState         = model.TaskState
	SearchConstraints = model.SearchConstraints
	Recipe            = model.Recipe
	RecipeDraft       = model.RecipeDraft
	NormalizeProposal = model.NormalizeProposal
	Event             = model.Event
	ErrorPayload      = model.ErrorPayload

	CommitRequest    = lifecycle.CommitRequest
	RejectRequest    = lifecycle.RejectRequest
	NormalizeRequest = lifecycle.NormalizeRequest
	CommitResult     = lifecycle.CommitResult

	ProviderDescriptor = model.ProviderDescriptor
	BreakerState       = connectivity.DomainState

	DocStore  = store.DocStore
	BlobStore = store.BlobStore
	S3Config  = store.S3Config

	LLMClient   = llm.Client
	LLMRequest  = llm.Request
	LLMResponse = llm.Response
	LLMFunc     = llm.Func

	MetricSummary = observability.Summary
	AuditEntry    = observability.AuditEntry
)

const (
	ModeURL       = model.ModeURL
	ModeQuery     = model.ModeQuery
	ModeNormalize = model.ModeNormalize
)

// ErrorCode returns the stable code carried by err, INTERNAL when it has
// none.
func ErrorCode(err error) string { return model.CodeOf(err) }

// ErrorDetails returns the wire form of err: code, message and details.
func ErrorDetails(err error) *ErrorPayload { return model.Payload(err, "") }

// NewRedisDocs returns a document store over Redis hashes under namespace.
func NewRedisDocs(client redis.UniversalClient, namespace string) DocStore {
	return store.NewRedisDocs(client, namespace)
}

// NewS3Blobs returns a blob store over an S3 bucket.
func NewS3Blobs(ctx context.Context, cfg S3Config) (BlobStore, error) {
	b, err := store.NewS3Blobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	docs    store.DocStore
	blobs   store.BlobStore
	sinks   []events.Publisher
	client  llm.Client
	blocked func(netip.Addr) bool
	now     func() time.Time
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDocStore replaces the SQLite document store.
func WithDocStore(d DocStore) Option { return func(o *options) { o.docs = d } }

// WithBlobStore replaces the SQLite blob store.
func WithBlobStore(b BlobStore) Option { return func(o *options) { o.blobs = b } }

// WithEventSink adds a sink receiving every progress event after the
// outbox.
func WithEventSink(fn func(ctx context.Context, ev Event) error) Option {
	return func(o *options) { o.sinks = append(o.sinks, events.Func(fn)) }
}

// WithLLMClient bypasses the route table and sends every model call to c.
func WithLLMClient(c LLMClient) Option { return func(o *options) { o.client = c } }

// WithAddressPolicy replaces the predicate deciding which resolved
// addresses the fetcher refuses. Tests use it to reach loopback servers.
func WithAddressPolicy(blocked func(netip.Addr) bool) Option {
	return func(o *options) { o.blocked = blocked }
}

// WithClock overrides the clock of the queue, the pipeline and the
// disposition controller.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Service wires the ingestion components together.
type Service struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	stores    *store.Store
	outbox    *events.Outbox
	kafka     *events.Kafka
	bus       *bus.Bus
	breaker   *connectivity.BreakerRegistry
	router    *connectivity.Router
	search    *search.Registry
	orch      *pipeline.Orchestrator
	ctrl      *lifecycle.Controller
	sweeper   *lifecycle.Sweeper
	metrics   *observability.MetricsManager
	audit     *observability.AuditLog
	heartbeat *observability.HeartbeatWriter
	cleanup   cron.Schedule

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New builds a Service over db and applies the schemas it needs. cfg may
// be nil.
func New(db *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.defaults()

	o := options{logger: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	ctx := context.Background()

	for _, schema := range []string{store.Schema, vtq.Schema, observability.Schema, connectivity.Schema} {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return nil, fmt.Errorf("ingest: apply schema: %w", err)
		}
	}

	s := &Service{cfg: c, db: db, logger: o.logger, now: o.now, running: make(map[string]context.CancelCauseFunc)}
	s.cleanup = cron.Every(c.CleanupInterval)
	if c.CleanupSchedule != "" {
		sched, err := cron.ParseStandard(c.CleanupSchedule)
		if err != nil {
			return nil, fmt.Errorf("ingest: cleanup_schedule %q: %w", c.CleanupSchedule, err)
		}
		s.cleanup = sched
	}

	docs, blobs := o.docs, o.blobs
	if docs == nil {
		docs = store.NewSQLiteDocs(db)
	}
	if blobs == nil {
		blobs = store.NewSQLiteBlobs(db)
	}
	s.stores = store.New(docs, blobs)

	s.outbox = events.NewOutbox(observability.NewEventLog(db))
	sinks := events.Fanout{s.outbox}
	if len(c.Kafka.Brokers) > 0 {
		k, err := events.NewKafka(c.Kafka, o.logger)
		if err != nil {
			return nil, fmt.Errorf("ingest: kafka: %w", err)
		}
		s.kafka = k
		sinks = append(sinks, k)
	}
	sinks = append(sinks, o.sinks...)

	s.bus = bus.New(db, s.stores.Tasks, sinks, c.Worker, bus.WithLogger(o.logger), bus.WithClock(o.now))

	s.breaker = connectivity.NewBreakerRegistry(c.Breaker,
		connectivity.WithBreakerLogger(o.logger), connectivity.WithBreakerClock(o.now))
	fetchOpts := []acquire.Option{acquire.WithBreaker(s.breaker), acquire.WithLogger(o.logger)}
	if o.blocked != nil {
		fetchOpts = append(fetchOpts, acquire.WithBlocked(o.blocked))
	}
	fetcher := acquire.New(c.Fetch, fetchOpts...)

	reg, err := search.Build(c.Search, fetcher.Client(), o.logger)
	if err != nil {
		s.closeSinks()
		return nil, err
	}
	s.search = reg

	client := o.client
	if client == nil {
		if client, err = s.routeModels(ctx); err != nil {
			s.closeSinks()
			return nil, err
		}
	}
	prompts := llm.DefaultCatalog()
	if c.LLM.PromptsFile != "" {
		extra, err := llm.LoadCatalogFile(c.LLM.PromptsFile)
		if err != nil {
			s.closeSinks()
			return nil, err
		}
		prompts.Merge(extra)
	}

	guard := guardrail.New(c.Guardrail)
	s.metrics = observability.NewMetricsManager(db, observability.WithMetricsLogger(o.logger))
	s.audit = observability.NewAuditLog(db)

	s.orch = pipeline.New(c.Pipeline, pipeline.Deps{
		Bus:        s.bus,
		Blobs:      blobs,
		Fetcher:    fetcher,
		Extractor:  extraction.New(c.Extraction, client, prompts, o.logger),
		Guardrail:  guard,
		Repairer:   guardrail.NewRepairer(guard, client, prompts, o.logger),
		Normalizer: normalize.New(c.Normalize, client, prompts, o.logger),
		Search:     reg,
		Recipes:    s.stores.Recipes,
		Metrics:    s.metrics,
		Logger:     o.logger,
		Now:        o.now,
	})
	s.ctrl = lifecycle.New(c.Lifecycle, lifecycle.Deps{
		Bus:       s.bus,
		Recipes:   s.stores.Recipes,
		Blobs:     blobs,
		Guardrail: guard,
		Audit:     s.audit,
		Logger:    o.logger,
		Now:       o.now,
	})
	s.sweeper = lifecycle.NewSweeper(s.ctrl, s.stores.Tasks)
	s.heartbeat = observability.NewHeartbeatWriter(db, c.WorkerName, c.HeartbeatInterval, s.bus.Pending)
	return s, nil
}

// routeModels loads the configured routes into a connectivity router and
// returns a client calling through it.
func (s *Service) routeModels(ctx context.Context) (llm.Client, error) {
	for _, r := range s.cfg.LLM.Routes {
		rt, err := r.route()
		if err != nil {
			return nil, err
		}
		if err := connectivity.UpsertRoute(ctx, s.db, rt); err != nil {
			return nil, fmt.Errorf("ingest: upsert route %s: %w", rt.Phase, err)
		}
	}
	s.router = connectivity.New(connectivity.WithLogger(s.logger))
	s.router.RegisterTransport("http", connectivity.HTTPFactory())
	if err := s.router.Reload(ctx, s.db); err != nil {
		return nil, fmt.Errorf("ingest: load routes: %w", err)
	}
	return llm.NewRouterClient(s.router, s.logger), nil
}

// Submit queues task. An empty ID is generated; resubmitting an existing
// ID returns its stored state.
func (s *Service) Submit(ctx context.Context, task *Task) (*TaskState, error) {
	return s.bus.Submit(ctx, task)
}

// Status returns the current state of a task.
func (s *Service) Status(ctx context.Context, taskID string) (*TaskState, error) {
	return s.bus.State(ctx, taskID)
}

// Events returns the events of taskID published after seq, and the cursor
// to pass next time. An empty taskID reads every task.
func (s *Service) Events(ctx context.Context, taskID string, seq int64, limit int) ([]Event, int64, error) {
	return s.outbox.Since(ctx, taskID, seq, limit)
}

// Commit persists the reviewed draft or the approved patches of a task.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.Actor == "" {
		req.Actor = kit.GetActor(ctx)
	}
	return s.ctrl.Commit(ctx, req)
}

// Reject settles a review_ready task as rejected.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (*TaskState, error) {
	if req.Actor == "" {
		req.Actor = kit.GetActor(ctx)
	}
	return s.ctrl.Reject(ctx, req)
}

// Normalize commits a draft and spawns a normalize task on the new record.
func (s *Service) Normalize(ctx context.Context, req NormalizeRequest) (*CommitResult, error) {
	if req.Actor == "" {
		req.Actor = kit.GetActor(ctx)
	}
	return s.ctrl.Normalize(ctx, req)
}

// Cancel stops a task. A task running on this instance is interrupted and
// settles as cancelled at its next phase boundary; a pending task is
// removed from the queue. Anything else is INVALID_STATE.
func (s *Service) Cancel(ctx context.Context, taskID string) (*TaskState, error) {
	st, err := s.bus.State(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case model.StatusRunning:
		s.mu.Lock()
		cancel, ok := s.running[taskID]
		s.mu.Unlock()
		if !ok {
			return nil, model.Errorf(model.CodeInvalidState, "task %s is running on another worker", taskID)
		}
		cancel(pipeline.ErrCancelledByUser)
		s.logger.InfoContext(ctx, "task cancel requested", "task_id", taskID)
		return st, nil
	case model.StatusPending:
		if err := s.bus.Remove(ctx, taskID); err != nil {
			return nil, err
		}
		if err := st.Transition(model.StatusCancelled); err != nil {
			return nil, err
		}
		st.Error = &model.ErrorPayload{Code: model.CodeCancelled, Message: "task cancelled before it started", Phase: st.Phase}
		st.UpdatedAt = s.now()
		if err := s.bus.SetTaskState(ctx, st); err != nil {
			return nil, err
		}
		if err := s.bus.PublishEvent(ctx, model.ProgressEvent(st, st.UpdatedAt)); err != nil {
			s.logger.WarnContext(ctx, "cancel event not published", "task_id", taskID, "error", err)
		}
		return st, nil
	case model.StatusCancelled:
		return st, nil
	default:
		return nil, model.Errorf(model.CodeInvalidState, "task %s is %s and cannot be cancelled", taskID, st.Status)
	}
}

// Resume queues a cancelled task again. It restarts from its checkpoints.
func (s *Service) Resume(ctx context.Context, taskID string) (*TaskState, error) {
	st, err := s.bus.State(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StatusCancelled {
		return nil, model.Errorf(model.CodeInvalidState, "task %s is %s, only cancelled tasks resume", taskID, st.Status)
	}
	task, err := s.bus.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode task: %w", err)
	}
	if err := s.bus.Enqueue(ctx, taskID, payload); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "task resumed", "task_id", taskID, "phase", st.Phase)
	return st, nil
}

// ProcessNext runs the next queued task to completion on the calling
// goroutine. It reports false when the queue was empty.
func (s *Service) ProcessNext(ctx context.Context) (bool, error) {
	d, err := s.bus.ReadNextTask(ctx)
	if err != nil || d == nil {
		return false, err
	}
	if herr := s.handle(ctx, d); herr != nil {
		if err := s.bus.Nack(ctx, d, herr); err != nil {
			s.logger.WarnContext(ctx, "nack failed", "task_id", d.ID, "error", err)
		}
		return true, herr
	}
	return true, s.bus.Ack(ctx, d)
}

func (s *Service) handle(ctx context.Context, d *bus.Delivery) error {
	ctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.running[d.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, d.ID)
		s.mu.Unlock()
		cancel(nil)
	}()
	return s.orch.Handle(ctx, d.ID, d.Payload)
}

// Run consumes the queue and runs the background loops (sweeper,
// heartbeat, route watcher, retention) until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.bus.Run(ctx, s.handle)
		return nil
	})
	g.Go(func() error {
		s.sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error { return s.heartbeat.Run(ctx) })
	if s.router != nil {
		g.Go(func() error {
			s.router.Watch(ctx, s.db, s.cfg.LLM.WatchInterval)
			return nil
		})
	}
	g.Go(func() error {
		c := cron.New(cron.WithLogger(cronLogger{s.logger}))
		c.Schedule(s.cleanup, cron.FuncJob(func() { s.Cleanup(ctx) }))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	s.logger.Info("ingest service running", "worker", s.cfg.WorkerName, "concurrency", s.cfg.Worker.Concurrency)
	return g.Wait()
}

// Cleanup deletes events, metrics and heartbeats past retention.
func (s *Service) Cleanup(ctx context.Context) int64 {
	n, err := observability.Cleanup(ctx, s.db, s.cfg.Retention, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "retention cleanup failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "retention cleanup", "deleted", n)
	}
	return n
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

// Sweep expires stale review_ready drafts now and reports how many.
func (s *Service) Sweep(ctx context.Context) (int, error) { return s.sweeper.SweepOnce(ctx) }

// Recipe returns a committed recipe and its version.
func (s *Service) Recipe(ctx context.Context, id string) (*Recipe, int64, error) {
	rec, v, err := s.stores.Recipes.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, model.Wrap(model.CodeRecipeNotFound, err, "recipe %s not found", id)
	}
	return rec, v, err
}

// Recipes lists committed recipes by id.
func (s *Service) Recipes(ctx context.Context) ([]*Recipe, error) {
	return s.stores.Recipes.List(ctx)
}

// Audit returns the dispositions recorded for a task, oldest first.
func (s *Service) Audit(ctx context.Context, taskID string) ([]*AuditEntry, error) {
	return s.audit.ForTask(ctx, taskID)
}

// Providers lists the enabled search providers, default first.
func (s *Service) Providers() []ProviderDescriptor { return s.search.ListEnabled() }

// SetProviderEnabled toggles a search provider.
func (s *Service) SetProviderEnabled(id string, enabled bool) error {
	return s.search.SetEnabled(id, enabled)
}

// Breakers returns the state of every tracked fetch domain.
func (s *Service) Breakers() []BreakerState { return s.breaker.Snapshot() }

// ResetBreaker closes the circuit of domain.
func (s *Service) ResetBreaker(domain string) BreakerState {
	s.breaker.Reset(domain)
	return s.breaker.State(domain)
}

// Metrics summarizes the datapoints recorded since since.
func (s *Service) Metrics(ctx context.Context, since time.Time) ([]MetricSummary, error) {
	s.metrics.Flush()
	return s.metrics.Summarize(ctx, since)
}

// Close flushes metrics and releases the router and event sinks. The
// database stays open.
func (s *Service) Close() error {
	errs := []error{s.metrics.Close()}
	if s.router != nil {
		errs = append(errs, s.router.Close())
	}
	errs = append(errs, s.closeSinks())
	return errors.Join(errs...)
}

func (s *Service) closeSinks() error {
	if s.kafka == nil {
		return nil
	}
	return s.kafka.Close()
}
