package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/recette/dbopen"
	"github.com/hazyhaar/recette/ingest/internal/bus"
	"github.com/hazyhaar/recette/ingest/internal/events"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
	"github.com/hazyhaar/recette/observability"
	"github.com/hazyhaar/recette/vtq"
)

type env struct {
	bus     *bus.Bus
	tasks   *store.Tasks
	recipes *store.Recipes
	blobs   store.BlobStore
	audit   *observability.AuditLog
	events  *events.Memory
	ctrl    *Controller
	now     time.Time
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(store.Schema), dbopen.WithSchema(vtq.Schema), dbopen.WithSchema(observability.Schema))
	docs := store.NewSQLiteDocs(db)
	e := &env{
		tasks:   store.NewTasks(docs),
		recipes: store.NewRecipes(docs),
		blobs:   store.NewSQLiteBlobs(db),
		audit:   observability.NewAuditLog(db),
		events:  &events.Memory{},
		now:     time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.bus = bus.New(db, e.tasks, e.events, bus.Config{}, bus.WithClock(clock))
	if err := e.bus.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.ctrl = New(cfg, Deps{
		Bus:       e.bus,
		Recipes:   e.recipes,
		Blobs:     e.blobs,
		Guardrail: guardrail.New(guardrail.Config{}),
		Audit:     e.audit,
		Now:       clock,
	})
	return e
}

func tart() model.Recipe {
	return model.Recipe{
		Name:         "Lemon tart",
		Description:  "A sharp tart.",
		Ingredients:  []model.Ingredient{{Raw: "3 lemons", Quantity: "3", Name: "lemons"}},
		Instructions: []string{"Bake the shell.", "Fill and chill."},
	}
}

// ready submits a task and moves it to review_ready with result.
func (e *env) ready(t *testing.T, task *model.IngestTask, result any) *model.TaskState {
	t.Helper()
	ctx := context.Background()
	st, err := e.bus.Submit(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	st.Transition(model.StatusRunning)
	st.Transition(model.StatusReviewReady)
	st.Phase, st.Progress = model.PhaseReviewReady, 100
	st.UpdatedAt = e.now
	if err := st.SetResult(result); err != nil {
		t.Fatal(err)
	}
	if err := e.bus.SetTaskState(ctx, st); err != nil {
		t.Fatal(err)
	}
	return st
}

func (e *env) draftTask(t *testing.T, id string, mutate func(*model.RecipeDraft)) *model.TaskState {
	t.Helper()
	d := &model.RecipeDraft{
		TaskID:    id,
		Recipe:    tart(),
		Source:    &model.Source{URL: "https://cook.example/tart", SiteName: "Cook", ExtractionMethod: model.MethodJSONLD},
		Guardrail: model.GuardrailOutcome{Status: model.GuardrailClean},
	}
	d.Validation = model.ValidateRecipe(&d.Recipe)
	if mutate != nil {
		mutate(d)
	}
	return e.ready(t, &model.IngestTask{ID: id, Mode: model.ModeURL, URL: "https://cook.example/tart"}, d)
}

func TestCommit_Twice(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)
	req := CommitRequest{TaskID: "tsk_1", Version: st.Version, Actor: "ana"}

	res, err := e.ctrl.Commit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCommitted || res.RecipeID != RecipeID("tsk_1") || res.State.Status != model.StatusCommitted {
		t.Fatalf("res = %+v", res)
	}
	rec, v, err := e.recipes.Get(ctx, res.RecipeID)
	if err != nil {
		t.Fatal(err)
	}
	// WHAT: provenance moves from the draft onto the record.
	if rec.Source == nil || rec.Source.URL != "https://cook.example/tart" || rec.Source.ExtractionMethod != model.MethodJSONLD {
		t.Fatalf("source = %+v", rec.Source)
	}
	if rec.Name != "Lemon tart" || v != 1 {
		t.Fatalf("recipe = %+v v%d", rec, v)
	}

	// WHAT: the same commit again succeeds without writing anything.
	again, err := e.ctrl.Commit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if again.Outcome != OutcomeAlreadyCommitted || again.RecipeID != res.RecipeID {
		t.Fatalf("again = %+v", again)
	}
	all, _ := e.recipes.List(ctx)
	if len(all) != 1 {
		t.Fatalf("records = %d", len(all))
	}
	if _, v, _ := e.recipes.Get(ctx, res.RecipeID); v != 1 {
		t.Fatalf("record rewritten, version %d", v)
	}

	entries, _ := e.audit.ForTask(ctx, "tsk_1")
	if len(entries) != 2 || entries[0].Action != "commit" || entries[0].Outcome != observability.OutcomeSuccess {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestCommit_StaleVersion(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	_, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version - 1})
	if model.CodeOf(err) != model.CodeCommitConflict || !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("err = %v", err)
	}
	// WHAT: a lost race mutates neither the state nor the records.
	cur, _ := e.bus.State(ctx, "tsk_1")
	if cur.Version != st.Version || cur.Status != model.StatusReviewReady {
		t.Fatalf("state = %+v", cur)
	}
	if _, _, err := e.recipes.Get(ctx, RecipeID("tsk_1")); model.CodeOf(err) != model.CodeRecipeNotFound {
		t.Fatalf("recipe written: %v", err)
	}
	entries, _ := e.audit.ForTask(ctx, "tsk_1")
	if len(entries) != 1 || entries[0].ErrorCode != model.CodeCommitConflict {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestCommit_Refusals(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	pending, _ := e.bus.Submit(ctx, &model.IngestTask{ID: "tsk_p", Mode: model.ModeURL, URL: "https://a.example"})
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_p", Version: pending.Version}); model.CodeOf(err) != model.CodeInvalidState {
		t.Fatalf("pending: %v", err)
	}
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_missing"}); model.CodeOf(err) != model.CodeTaskNotFound {
		t.Fatalf("missing: %v", err)
	}

	invalid := e.draftTask(t, "tsk_inv", func(d *model.RecipeDraft) {
		d.Recipe.Instructions = nil
		d.Validation = model.ValidateRecipe(&d.Recipe)
	})
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_inv", Version: invalid.Version}); model.CodeOf(err) != model.CodeValidationFailed {
		t.Fatalf("invalid draft: %v", err)
	}
}

func TestCommit_Expired(t *testing.T) {
	e := newEnv(t, Config{ExpirationWindow: time.Hour})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	e.now = e.now.Add(time.Hour + time.Second)
	_, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})
	if model.CodeOf(err) != model.CodeDraftExpired {
		t.Fatalf("err = %v", err)
	}
	cur, _ := e.bus.State(ctx, "tsk_1")
	if cur.Status != model.StatusExpired || cur.Error.Code != model.CodeDraftExpired {
		t.Fatalf("state = %+v", cur)
	}
	// WHAT: once relabelled the answer stays DRAFT_EXPIRED.
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: cur.Version}); model.CodeOf(err) != model.CodeDraftExpired {
		t.Fatalf("second: %v", err)
	}
}

func TestCommit_ExactWindowStillCommits(t *testing.T) {
	e := newEnv(t, Config{ExpirationWindow: time.Hour})
	st := e.draftTask(t, "tsk_1", nil)
	e.now = e.now.Add(time.Hour)
	if _, err := e.ctrl.Commit(context.Background(), CommitRequest{TaskID: "tsk_1", Version: st.Version}); err != nil {
		t.Fatal(err)
	}
}

func violating(d *model.RecipeDraft) {
	d.Similarity = &model.SimilarityReport{
		ViolatesPolicy: true, MaxContiguousTokenOverlap: 120, Details: "1 of 2 sections exceed copy thresholds",
		Sections: []model.SectionScore{{Section: "instructions[0]", MaxContiguousTokenOverlap: 120, Level: "error"}},
	}
	d.Guardrail = model.GuardrailOutcome{Status: model.GuardrailViolation}
}

func TestCommit_ParaphrasePolicy(t *testing.T) {
	ctx := context.Background()

	block := newEnv(t, Config{ParaphrasePolicy: PolicyBlock})
	st := block.draftTask(t, "tsk_1", violating)
	_, err := block.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})
	if model.CodeOf(err) != model.CodeParaphraseViolation {
		t.Fatalf("block: %v", err)
	}
	var me *model.Error
	if !errors.As(err, &me) || me.Details["sections"] == nil {
		t.Fatalf("details = %+v", me)
	}

	// WHY: warn leaves the call to the reviewer.
	warn := newEnv(t, Config{})
	st = warn.draftTask(t, "tsk_1", violating)
	if _, err := warn.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version}); err != nil {
		t.Fatalf("warn: %v", err)
	}
}

func copied() string {
	words := strings.Fields("slice the leeks thinly and rinse away any grit then melt butter in a heavy pot over gentle heat")
	var out []string
	for len(out) < 100 {
		out = append(out, words[len(out)%len(words)])
	}
	return strings.Join(out, " ")
}

func TestCommit_Edit(t *testing.T) {
	e := newEnv(t, Config{ParaphrasePolicy: PolicyBlock})
	ctx := context.Background()
	snap, err := store.PutArtifact(ctx, e.blobs, "snapshot.txt", "text/markdown", []byte("# Leek soup\n\n"+copied()))
	if err != nil {
		t.Fatal(err)
	}
	st := e.draftTask(t, "tsk_2", func(d *model.RecipeDraft) { violating(d); d.AddArtifact(snap) })

	bad := tart()
	bad.Instructions = nil
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_2", Version: st.Version, Recipe: &bad}); model.CodeOf(err) != model.CodeInvalidEdit {
		t.Fatalf("invalid edit: %v", err)
	}

	// WHAT: an edit that still copies the snapshot is rescored and refused.
	lazy := tart()
	lazy.Instructions = []string{copied()}
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_2", Version: st.Version, Recipe: &lazy}); model.CodeOf(err) != model.CodeParaphraseViolation {
		t.Fatalf("copied edit: %v", err)
	}

	// WHAT: rewriting the flagged step clears the block.
	fixed := tart()
	fixed.Name = "Sharp lemon tart"
	res, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_2", Version: st.Version, Recipe: &fixed, Actor: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	rec, _, _ := e.recipes.Get(ctx, res.RecipeID)
	if rec.Name != "Sharp lemon tart" || rec.Source == nil {
		t.Fatalf("recipe = %+v", rec)
	}
	entries, _ := e.audit.ForTask(ctx, "tsk_2")
	failed := 0
	for _, en := range entries {
		if en.Action != "edit_commit" {
			t.Fatalf("action = %s", en.Action)
		}
		if en.Outcome == observability.OutcomeError {
			failed++
		}
	}
	if len(entries) != 3 || failed != 2 {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestReject(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	if _, err := e.ctrl.Reject(ctx, RejectRequest{TaskID: "tsk_1", Version: st.Version + 5}); model.CodeOf(err) != model.CodeCommitConflict {
		t.Fatalf("stale: %v", err)
	}
	got, err := e.ctrl.Reject(ctx, RejectRequest{TaskID: "tsk_1", Version: st.Version, Reason: "not a recipe"})
	if err != nil || got.Status != model.StatusRejected {
		t.Fatalf("reject = %+v, %v", got, err)
	}
	if again, err := e.ctrl.Reject(ctx, RejectRequest{TaskID: "tsk_1", Version: st.Version}); err != nil || again.Version != got.Version {
		t.Fatalf("again = %+v, %v", again, err)
	}
	// WHAT: no transition leaves a terminal state.
	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: got.Version}); model.CodeOf(err) != model.CodeInvalidState {
		t.Fatalf("commit after reject: %v", err)
	}
	evs := e.events.Events("tsk_1")
	if last := evs[len(evs)-1]; last.Status != model.StatusRejected || last.Message != "not a recipe" {
		t.Fatalf("event = %+v", last)
	}
}

func TestNormalize_SpawnsFollowUp(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)
	req := NormalizeRequest{CommitRequest: CommitRequest{TaskID: "tsk_1", Version: st.Version}, FocusAreas: []string{"units"}}

	res, err := e.ctrl.Normalize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.FollowUpTaskID != FollowUpID("tsk_1") || res.State.FollowUpTaskID != res.FollowUpTaskID {
		t.Fatalf("res = %+v", res)
	}
	follow, err := e.bus.Task(ctx, res.FollowUpTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if follow.Mode != model.ModeNormalize || follow.RecipeID != res.RecipeID || follow.FocusAreas[0] != "units" {
		t.Fatalf("follow-up = %+v", follow)
	}
	pending, _ := e.bus.Pending(ctx)

	// WHAT: repeating the disposition queues nothing new.
	again, err := e.ctrl.Normalize(ctx, req)
	if err != nil || again.FollowUpTaskID != res.FollowUpTaskID || again.Outcome != OutcomeAlreadyCommitted {
		t.Fatalf("again = %+v, %v", again, err)
	}
	if n, _ := e.bus.Pending(ctx); n != pending {
		t.Fatalf("pending %d -> %d", pending, n)
	}
}

func proposalTask(t *testing.T, e *env, recipeVersion int64) *model.TaskState {
	t.Helper()
	p := &model.NormalizeProposal{
		TaskID: "tsk_n", RecipeID: "rcp_1", RecipeVersion: recipeVersion,
		Patches: []model.PatchOperation{
			{Op: model.OpReplace, Path: "/name", Value: json.RawMessage(`"Lemon Tart"`), Risk: model.RiskLow, Category: "casing", RequiresApproval: true},
			{Op: model.OpReplace, Path: "/ingredients/0/quantity", Value: json.RawMessage(`"4"`), Risk: model.RiskHigh, Category: "quantity_change", RequiresApproval: true},
		},
	}
	return e.ready(t, &model.IngestTask{ID: "tsk_n", Mode: model.ModeNormalize, RecipeID: "rcp_1"}, p)
}

func TestCommit_NormalizeProposal(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	rec := tart()
	rec.ID = "rcp_1"
	v, err := e.recipes.Put(ctx, &rec, 0)
	if err != nil {
		t.Fatal(err)
	}
	st := proposalTask(t, e, v)

	if _, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_n", Version: st.Version, Approved: []int{7}}); model.CodeOf(err) != model.CodeInvalidPatch {
		t.Fatalf("bad index: %v", err)
	}
	res, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_n", Version: st.Version, Approved: []int{0}})
	if err != nil {
		t.Fatal(err)
	}
	got, gv, _ := e.recipes.Get(ctx, "rcp_1")
	// WHAT: only the approved patch lands.
	if got.Name != "Lemon Tart" || got.Ingredients[0].Quantity != "3" || gv != v+1 || res.RecipeVersion != gv {
		t.Fatalf("recipe = %+v v%d", got, gv)
	}
	if res.Patches == nil || len(res.Patches.Applied) != 1 {
		t.Fatalf("patches = %+v", res.Patches)
	}
}

func TestCommit_NormalizeRecipeMoved(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	rec := tart()
	rec.ID = "rcp_1"
	v, _ := e.recipes.Put(ctx, &rec, 0)
	st := proposalTask(t, e, v)

	rec.Description = "Edited elsewhere."
	if _, err := e.recipes.Put(ctx, &rec, v); err != nil {
		t.Fatal(err)
	}
	_, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_n", Version: st.Version, Approved: []int{0, 1}})
	if model.CodeOf(err) != model.CodeCommitConflict {
		t.Fatalf("err = %v", err)
	}
	if got, _, _ := e.recipes.Get(ctx, "rcp_1"); got.Name != "Lemon tart" {
		t.Fatalf("recipe mutated: %+v", got)
	}
}

func TestSweeper(t *testing.T) {
	e := newEnv(t, Config{ExpirationWindow: time.Hour})
	ctx := context.Background()
	e.draftTask(t, "tsk_old", nil)
	e.now = e.now.Add(50 * time.Minute)
	e.draftTask(t, "tsk_new", nil)
	e.now = e.now.Add(20 * time.Minute)

	sw := NewSweeper(e.ctrl, e.tasks)
	n, err := sw.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("swept %d, %v", n, err)
	}
	if st, _ := e.bus.State(ctx, "tsk_old"); st.Status != model.StatusExpired {
		t.Fatalf("old = %s", st.Status)
	}
	if st, _ := e.bus.State(ctx, "tsk_new"); st.Status != model.StatusReviewReady {
		t.Fatalf("new = %s", st.Status)
	}
	if n, _ := sw.SweepOnce(ctx); n != 0 {
		t.Fatalf("second sweep = %d", n)
	}
}

func TestSweeper_RunStops(t *testing.T) {
	e := newEnv(t, Config{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(e.ctrl, e.tasks).Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// hookBus runs before once, just ahead of the first write of a committed
// state.
type hookBus struct {
	*bus.Bus
	before func()
}

func (h *hookBus) SetTaskState(ctx context.Context, st *model.TaskState) error {
	if st.Status == model.StatusCommitted && h.before != nil {
		before := h.before
		h.before = nil
		before()
	}
	return h.Bus.SetTaskState(ctx, st)
}

// hookRecipes runs before once, just ahead of the first record write.
type hookRecipes struct {
	*store.Recipes
	before func() error
}

func (h *hookRecipes) Put(ctx context.Context, rec *model.Recipe, expected int64) (int64, error) {
	if h.before != nil {
		before := h.before
		h.before = nil
		if err := before(); err != nil {
			return 0, err
		}
	}
	return h.Recipes.Put(ctx, rec, expected)
}

func (e *env) controller(b Bus, r Recipes) *Controller {
	return New(Config{}, Deps{Bus: b, Recipes: r, Now: func() time.Time { return e.now }})
}

func edited(name string) *model.Recipe {
	r := tart()
	r.Name = name
	return &r
}

func TestCommit_ConcurrentLoserWritesNothing(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	var (
		other    *CommitResult
		otherErr error
	)
	hb := &hookBus{Bus: e.bus}
	hb.before = func() {
		other, otherErr = e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version, Recipe: edited("Edited by B")})
	}
	_, err := e.controller(hb, e.recipes).Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})

	// WHAT: the commit that wins the state transition owns the record.
	if otherErr != nil || other.Outcome != OutcomeCommitted {
		t.Fatalf("winner = %+v, %v", other, otherErr)
	}
	if model.CodeOf(err) != model.CodeCommitConflict || !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("loser err = %v", err)
	}
	rec, v, err := e.recipes.Get(ctx, RecipeID("tsk_1"))
	if err != nil || rec.Name != "Edited by B" || v != 1 {
		t.Fatalf("record = %+v v%d, %v", rec, v, err)
	}
}

func TestCommit_SecondCallDuringRecordWrite(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	var (
		other    *CommitResult
		otherErr error
	)
	hr := &hookRecipes{Recipes: e.recipes}
	hr.before = func() error {
		other, otherErr = e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version, Recipe: edited("Edited by B")})
		return nil
	}
	res, err := e.controller(e.bus, hr).Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})
	if err != nil || res.Outcome != OutcomeCommitted {
		t.Fatalf("winner = %+v, %v", res, err)
	}
	// WHAT: a commit arriving after the state moved cannot replace the
	// record with its own edit.
	if otherErr != nil || other.Outcome != OutcomeAlreadyCommitted {
		t.Fatalf("late commit = %+v, %v", other, otherErr)
	}
	rec, v, err := e.recipes.Get(ctx, RecipeID("tsk_1"))
	if err != nil || rec.Name != "Lemon tart" || v != 1 {
		t.Fatalf("record = %+v v%d, %v", rec, v, err)
	}
	cur, _ := e.bus.State(ctx, "tsk_1")
	if cur.Status != model.StatusCommitted || cur.PendingCommit != nil {
		t.Fatalf("state = %+v", cur)
	}
}

func TestCommit_RacingExpiry(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	hb := &hookBus{Bus: e.bus}
	hb.before = func() {
		cur, _ := e.bus.State(ctx, "tsk_1")
		if err := e.ctrl.expire(ctx, cur); err != nil {
			t.Errorf("expire: %v", err)
		}
	}
	_, err := e.controller(hb, e.recipes).Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})
	if model.CodeOf(err) != model.CodeCommitConflict {
		t.Fatalf("err = %v", err)
	}
	// WHAT: losing to the sweeper leaves no record behind.
	cur, _ := e.bus.State(ctx, "tsk_1")
	if cur.Status != model.StatusExpired {
		t.Fatalf("status = %s", cur.Status)
	}
	if _, _, err := e.recipes.Get(ctx, RecipeID("tsk_1")); model.CodeOf(err) != model.CodeRecipeNotFound {
		t.Fatalf("recipe written: %v", err)
	}
}

func TestCommit_CompletesInterruptedWrite(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	st := e.draftTask(t, "tsk_1", nil)

	hr := &hookRecipes{Recipes: e.recipes, before: func() error { return errors.New("store offline") }}
	if _, err := e.controller(e.bus, hr).Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version}); err == nil {
		t.Fatal("commit succeeded without a record")
	}
	cur, _ := e.bus.State(ctx, "tsk_1")
	if cur.Status != model.StatusCommitted || cur.PendingCommit == nil {
		t.Fatalf("state = %+v", cur)
	}

	// WHAT: the retried commit writes the owed record and clears the intent.
	res, err := e.ctrl.Commit(ctx, CommitRequest{TaskID: "tsk_1", Version: st.Version})
	if err != nil || res.Outcome != OutcomeAlreadyCommitted || res.RecipeVersion != 1 {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if rec, _, err := e.recipes.Get(ctx, RecipeID("tsk_1")); err != nil || rec.Name != "Lemon tart" {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	cur, _ = e.bus.State(ctx, "tsk_1")
	if cur.PendingCommit != nil {
		t.Fatal("intent not cleared")
	}
}

func TestCommit_NormalizeRecipeMovedDuringWrite(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	rec := tart()
	rec.ID = "rcp_1"
	v, _ := e.recipes.Put(ctx, &rec, 0)
	st := proposalTask(t, e, v)

	hr := &hookRecipes{Recipes: e.recipes}
	hr.before = func() error {
		moved := tart()
		moved.ID, moved.Description = "rcp_1", "Edited elsewhere."
		_, err := e.recipes.Put(ctx, &moved, v)
		return err
	}
	_, err := e.controller(e.bus, hr).Commit(ctx, CommitRequest{TaskID: "tsk_n", Version: st.Version, Approved: []int{0}})
	if model.CodeOf(err) != model.CodeCommitConflict {
		t.Fatalf("err = %v", err)
	}
	// WHAT: the proposal goes back to review and the other write survives.
	cur, _ := e.bus.State(ctx, "tsk_n")
	if cur.Status != model.StatusReviewReady || cur.PendingCommit != nil || cur.CommittedRecipeID != "" {
		t.Fatalf("state = %+v", cur)
	}
	if got, _, _ := e.recipes.Get(ctx, "rcp_1"); got.Description != "Edited elsewhere." || got.Name != "Lemon tart" {
		t.Fatalf("recipe = %+v", got)
	}
}
