// Package lifecycle settles review_ready tasks: commit, edit-then-commit,
// reject, commit-and-normalize, and expiry. Every decision is a
// compare-and-swap against the stored state version; no in-process lock is
// held, so several instances may serve the same store.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/recette/idgen"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
	"github.com/hazyhaar/recette/observability"
)

// Policy decides what a surviving paraphrase violation does at commit.
type Policy string

const (
	// PolicyWarn lets the reviewer commit a flagged draft.
	PolicyWarn Policy = "warn"
	// PolicyBlock refuses commit with PARAPHRASE_VIOLATION.
	PolicyBlock Policy = "block"
)

// Config tunes dispositions and the sweeper.
type Config struct {
	// ExpirationWindow is how long a review_ready draft stays committable
	// after its last update. Default: 72h.
	ExpirationWindow time.Duration `yaml:"expiration_window"`
	// ParaphrasePolicy is warn or block. Default: warn.
	ParaphrasePolicy Policy `yaml:"paraphrase_policy"`
	// SweepInterval is the period of the expiry sweeper. Default: 10m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *Config) defaults() {
	if c.ExpirationWindow <= 0 {
		c.ExpirationWindow = 72 * time.Hour
	}
	if c.ParaphrasePolicy != PolicyBlock {
		c.ParaphrasePolicy = PolicyWarn
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

// Bus is the task side the controller needs. State and SetTaskState report
// TASK_NOT_FOUND and COMMIT_CONFLICT wrapping the store sentinels.
type Bus interface {
	State(ctx context.Context, id string) (*model.TaskState, error)
	SetTaskState(ctx context.Context, st *model.TaskState) error
	Task(ctx context.Context, id string) (*model.IngestTask, error)
	Submit(ctx context.Context, task *model.IngestTask) (*model.TaskState, error)
	PublishEvent(ctx context.Context, ev model.Event) error
}

// Recipes is the canonical record store.
type Recipes interface {
	Get(ctx context.Context, id string) (*model.Recipe, int64, error)
	Put(ctx context.Context, rec *model.Recipe, expected int64) (int64, error)
}

// Deps are the collaborators of a Controller. Guardrail and Blobs are
// optional: with both, an edited draft is rescored against its stored
// snapshot. Audit is optional.
type Deps struct {
	Bus       Bus
	Recipes   Recipes
	Blobs     store.BlobStore
	Guardrail *guardrail.Guardrail
	Audit     *observability.AuditLog
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller applies reviewer dispositions.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Controller.
func New(cfg Config, deps Deps) *Controller {
	cfg.defaults()
	c := &Controller{cfg: cfg, deps: deps, log: deps.Logger, now: deps.Now}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Outcome names how a commit call ended.
type Outcome string

const (
	OutcomeCommitted        Outcome = "COMMITTED"
	OutcomeAlreadyCommitted Outcome = model.CodeAlreadyCommitted
)

// CommitRequest is a reviewer's commit. Version is the state version the
// reviewer saw. Recipe replaces the draft recipe (edit-then-commit).
// Approved lists the accepted patch indices of a normalize proposal.
type CommitRequest struct {
	TaskID   string        `json:"taskId"`
	Version  int64         `json:"version"`
	Actor    string        `json:"actor,omitempty"`
	Recipe   *model.Recipe `json:"recipe,omitempty"`
	Approved []int         `json:"approvedPatches,omitempty"`
}

// CommitResult reports a commit.
type CommitResult struct {
	TaskID         string             `json:"taskId"`
	Outcome        Outcome            `json:"outcome"`
	RecipeID       string             `json:"recipeId"`
	RecipeVersion  int64              `json:"recipeVersion,omitempty"`
	Patches        *model.PatchResult `json:"patches,omitempty"`
	FollowUpTaskID string             `json:"followUpTaskId,omitempty"`
	State          *model.TaskState   `json:"state"`
}

// RecipeID is the record key a url or query task commits to. It is derived
// from the task id so a retried commit can only ever address one record.
func RecipeID(taskID string) string { return idgen.Derived("rcp_", taskID) }

// Commit settles a review_ready task into a canonical record. The checks
// run in a fixed order: an already committed task succeeds without side
// effects, then status, version, expiry and paraphrase policy are checked
// before anything is written.
func (c *Controller) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	start := c.now()
	res, err := c.commit(ctx, req)
	action := "commit"
	if req.Recipe != nil {
		action = "edit_commit"
	}
	c.audit(ctx, action, req.TaskID, req.Actor, res, err, start)
	return res, err
}

func (c *Controller) commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	st, err := c.deps.Bus.State(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if st.Status == model.StatusCommitted {
		return c.already(ctx, st)
	}
	if err := c.committable(ctx, st, req.Version); err != nil {
		return nil, err
	}

	var (
		res    *CommitResult
		intent *model.CommitIntent
	)
	if st.Mode == model.ModeNormalize {
		res, intent, err = c.proposalIntent(ctx, st, req)
	} else {
		res, intent, err = c.draftIntent(ctx, st, req)
	}
	if err != nil {
		return nil, err
	}

	// The state transition picks the one winner of concurrent commits and
	// of a commit racing expiry. Only the winner writes the record.
	if err := c.settle(ctx, st, res.RecipeID, intent); err != nil {
		return nil, err
	}
	if intent != nil {
		if res.RecipeVersion, err = c.complete(ctx, st); err != nil {
			return nil, err
		}
	}
	res.State = st
	c.log.InfoContext(ctx, "task committed", "task_id", st.TaskID, "recipe_id", res.RecipeID, "actor", req.Actor)
	return res, nil
}

// already reports a committed task, first finishing a record write an
// interrupted commit left owed.
func (c *Controller) already(ctx context.Context, st *model.TaskState) (*CommitResult, error) {
	res := &CommitResult{
		TaskID:         st.TaskID,
		Outcome:        OutcomeAlreadyCommitted,
		RecipeID:       st.CommittedRecipeID,
		FollowUpTaskID: st.FollowUpTaskID,
		State:          st,
	}
	if st.PendingCommit != nil {
		v, err := c.complete(ctx, st)
		if err != nil {
			return nil, err
		}
		res.RecipeVersion = v
	}
	return res, nil
}

// committable checks status, version and expiry. A stale review_ready
// draft is relabelled expired on the way out.
func (c *Controller) committable(ctx context.Context, st *model.TaskState, version int64) error {
	switch st.Status {
	case model.StatusReviewReady:
	case model.StatusExpired:
		return model.Errorf(model.CodeDraftExpired, "task %s expired", st.TaskID)
	default:
		return model.Errorf(model.CodeInvalidState, "task %s is %s, not review_ready", st.TaskID, st.Status).
			WithDetail("status", st.Status)
	}
	if version != st.Version {
		return model.Wrap(model.CodeCommitConflict, store.ErrVersionMismatch,
			"task %s is at version %d, request carries %d", st.TaskID, st.Version, version).
			WithDetail("currentVersion", st.Version)
	}
	if c.expired(st) {
		if err := c.expire(ctx, st); err != nil && !errors.Is(err, store.ErrVersionMismatch) {
			c.log.WarnContext(ctx, "expired draft not relabelled", "task_id", st.TaskID, "error", err)
		}
		return model.Errorf(model.CodeDraftExpired, "draft of task %s expired at %s",
			st.TaskID, st.UpdatedAt.Add(c.cfg.ExpirationWindow).UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *Controller) expired(st *model.TaskState) bool {
	return st.UpdatedAt.Add(c.cfg.ExpirationWindow).Before(c.now())
}

// draftIntent checks a url or query draft, or its edit, and builds the
// record the commit will create.
func (c *Controller) draftIntent(ctx context.Context, st *model.TaskState, req CommitRequest) (*CommitResult, *model.CommitIntent, error) {
	d, err := st.Draft()
	if err != nil {
		return nil, nil, err
	}
	rec := d.Recipe
	similarity := d.Similarity
	if req.Recipe != nil {
		rec = *req.Recipe
		if rep := model.ValidateRecipe(&rec); !rep.Valid() {
			return nil, nil, model.Errorf(model.CodeInvalidEdit, "edited recipe is invalid: %s", issues(rep.Errors)).
				WithDetail("errors", rep.Errors)
		}
		if rescored := c.rescore(ctx, d, &rec); rescored != nil {
			similarity = rescored
		}
	} else if !d.Validation.Valid() {
		return nil, nil, model.Errorf(model.CodeValidationFailed, "draft has validation errors: %s", issues(d.Validation.Errors)).
			WithDetail("errors", d.Validation.Errors)
	}
	if c.cfg.ParaphrasePolicy == PolicyBlock && similarity != nil && similarity.ViolatesPolicy {
		return nil, nil, model.Errorf(model.CodeParaphraseViolation, "draft copies its source: %s", similarity.Details).
			WithDetail("sections", similarity.ViolatingSections())
	}

	now := c.now()
	rec.ID = RecipeID(st.TaskID)
	rec.Source = nil
	if d.Source != nil && !d.Source.Empty() {
		src := *d.Source
		rec.Source = &src
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	res := &CommitResult{TaskID: st.TaskID, Outcome: OutcomeCommitted, RecipeID: rec.ID}
	return res, &model.CommitIntent{Recipe: rec}, nil
}

// rescore checks an edited recipe against the snapshot stored with the
// draft. It returns nil when either is unavailable.
func (c *Controller) rescore(ctx context.Context, d *model.RecipeDraft, rec *model.Recipe) *model.SimilarityReport {
	if c.deps.Guardrail == nil || c.deps.Blobs == nil {
		return nil
	}
	ref, ok := d.Artifact("snapshot.txt")
	if !ok {
		return nil
	}
	data, err := c.deps.Blobs.Get(ctx, ref.Locator)
	if err != nil {
		c.log.WarnContext(ctx, "snapshot unavailable for rescoring", "task_id", d.TaskID, "error", err)
		return nil
	}
	return c.deps.Guardrail.Check(string(data), rec)
}

// settle moves st to committed with the record write it owes.
func (c *Controller) settle(ctx context.Context, st *model.TaskState, recipeID string, intent *model.CommitIntent) error {
	if err := st.Transition(model.StatusCommitted); err != nil {
		return err
	}
	st.Phase = model.PhaseCommit
	st.Progress = 100
	st.CommittedRecipeID = recipeID
	st.PendingCommit = intent
	st.UpdatedAt = c.now()
	if err := c.deps.Bus.SetTaskState(ctx, st); err != nil {
		return err
	}
	c.publish(ctx, st, "committed")
	return nil
}

// complete writes the record owed by a committed state and clears the
// intent. A write made by an earlier attempt is recognized by its content.
func (c *Controller) complete(ctx context.Context, st *model.TaskState) (int64, error) {
	rec := st.PendingCommit.Recipe
	version, err := c.deps.Recipes.Put(ctx, &rec, st.PendingCommit.Expected)
	if errors.Is(err, store.ErrVersionMismatch) || errors.Is(err, store.ErrNotFound) {
		cur, v, gerr := c.deps.Recipes.Get(ctx, rec.ID)
		if gerr != nil || !sameRecipe(cur, &st.PendingCommit.Recipe) {
			return 0, c.abandon(ctx, st, err)
		}
		version, err = v, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lifecycle: write recipe %s: %w", rec.ID, err)
	}

	st.PendingCommit = nil
	if err := c.deps.Bus.SetTaskState(ctx, st); err != nil {
		// The intent stays stored; the next commit call finds the record
		// written and clears it.
		c.log.WarnContext(ctx, "commit intent not cleared", "task_id", st.TaskID, "error", err)
	}
	return version, nil
}

// abandon returns a committed state to review_ready when the record it
// owes moved under it, so the reviewer decides again on the current record.
func (c *Controller) abandon(ctx context.Context, st *model.TaskState, cause error) error {
	recipeID := st.CommittedRecipeID
	st.Status = model.StatusReviewReady
	st.Phase = model.PhaseReviewReady
	st.CommittedRecipeID = ""
	st.PendingCommit = nil
	st.UpdatedAt = c.now()
	if err := c.deps.Bus.SetTaskState(ctx, st); err != nil {
		c.log.WarnContext(ctx, "abandoned commit not reverted", "task_id", st.TaskID, "error", err)
	} else {
		c.publish(ctx, st, model.CodeCommitConflict)
	}
	return model.Wrap(model.CodeCommitConflict, cause, "recipe %s changed during commit", recipeID)
}

// RejectRequest discards a draft.
type RejectRequest struct {
	TaskID  string `json:"taskId"`
	Version int64  `json:"version"`
	Actor   string `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Reject settles a review_ready task as rejected. Rejecting a rejected task
// returns it unchanged.
func (c *Controller) Reject(ctx context.Context, req RejectRequest) (*model.TaskState, error) {
	start := c.now()
	st, err := c.reject(ctx, req)
	var res *CommitResult
	if st != nil {
		res = &CommitResult{TaskID: st.TaskID, State: st}
	}
	c.audit(ctx, "reject", req.TaskID, req.Actor, res, err, start)
	return st, err
}

func (c *Controller) reject(ctx context.Context, req RejectRequest) (*model.TaskState, error) {
	st, err := c.deps.Bus.State(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if st.Status == model.StatusRejected {
		return st, nil
	}
	if st.Status != model.StatusReviewReady {
		return nil, model.Errorf(model.CodeInvalidState, "task %s is %s, not review_ready", st.TaskID, st.Status)
	}
	if req.Version != st.Version {
		return nil, model.Wrap(model.CodeCommitConflict, store.ErrVersionMismatch,
			"task %s is at version %d, request carries %d", st.TaskID, st.Version, req.Version)
	}
	if err := st.Transition(model.StatusRejected); err != nil {
		return nil, err
	}
	st.UpdatedAt = c.now()
	if err := c.deps.Bus.SetTaskState(ctx, st); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "task rejected", "task_id", st.TaskID, "actor", req.Actor, "reason", req.Reason)
	c.publish(ctx, st, req.Reason)
	return st, nil
}

func sameRecipe(a, b *model.Recipe) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

func issues(list []model.Issue) string {
	if len(list) == 0 {
		return "none"
	}
	out := make([]string, 0, len(list))
	for _, is := range list {
		out = append(out, strings.TrimSpace(is.Field+" "+is.Message))
	}
	return strings.Join(out, "; ")
}

func (c *Controller) publish(ctx context.Context, st *model.TaskState, msg string) {
	ev := model.ProgressEvent(st, c.now())
	ev.Message = msg
	if err := c.deps.Bus.PublishEvent(ctx, ev); err != nil {
		c.log.WarnContext(ctx, "disposition event not published", "task_id", st.TaskID, "error", err)
	}
}

func (c *Controller) audit(ctx context.Context, action, taskID, actor string, res *CommitResult, err error, start time.Time) {
	if c.deps.Audit == nil {
		return
	}
	e := &observability.AuditEntry{
		Timestamp: c.now(),
		TaskID:    taskID,
		Action:    action,
		Actor:     actor,
		Duration:  c.now().Sub(start),
	}
	if res != nil {
		e.RecipeID = res.RecipeID
		if res.Outcome != "" {
			e.Details = map[string]any{"outcome": string(res.Outcome)}
		}
		if res.FollowUpTaskID != "" {
			if e.Details == nil {
				e.Details = map[string]any{}
			}
			e.Details["followUpTaskId"] = res.FollowUpTaskID
		}
	}
	if err != nil {
		e.ErrorCode = model.CodeOf(err)
		e.ErrorMessage = err.Error()
	}
	if aerr := c.deps.Audit.Record(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.WarnContext(ctx, "audit entry not recorded", "task_id", taskID, "action", action, "error", aerr)
	}
}
