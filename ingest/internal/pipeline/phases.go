package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/acquire"
	"github.com/hazyhaar/recette/ingest/internal/extraction"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/observability"
)

// step returns the function running phase, or nil when an optional phase
// has nothing to do.
func (r *run) step(phase model.Phase) func(context.Context) error {
	switch phase {
	case model.PhaseDiscover:
		return r.discover
	case model.PhaseFetch:
		return r.fetch
	case model.PhaseExtract:
		return r.extract
	case model.PhaseValidate:
		return r.validate
	case model.PhaseRepairJSON:
		if r.validation.Valid() || r.o.deps.Extractor == nil {
			return nil
		}
		return r.repairJSON
	case model.PhaseRepairParaphrase:
		return r.paraphraseStep()
	case model.PhaseFetchRecipe:
		return r.fetchRecipe
	case model.PhaseNormalize:
		return r.normalize
	}
	return func(context.Context) error {
		return model.Errorf(model.CodeInternal, "no handler for phase %s", phase)
	}
}

type discoverCheckpoint struct {
	Candidates []model.SearchCandidate `json:"candidates"`
	Outcome    model.SearchOutcome     `json:"outcome"`
}

func (r *run) discover(ctx context.Context) error {
	var cp discoverCheckpoint
	if !r.restore(ctx, checkpointDiscover, &cp) {
		if r.o.deps.Search == nil {
			return model.Errorf(model.CodeUnknownProvider, "no search provider is configured")
		}
		res, err := r.o.deps.Search.Search(ctx, r.task.Query, r.task.Constraints)
		if err != nil {
			return err
		}
		cp = discoverCheckpoint{Candidates: res.Candidates, Outcome: res.Outcome}
		if cp.Outcome.FallbackUsed {
			r.o.deps.Metrics.Count(observability.MetricSearchFallback, 1,
				map[string]string{"from": cp.Outcome.RequestedProvider, "to": cp.Outcome.ServedBy})
		}
		if len(cp.Candidates) > 0 {
			data, _ := json.MarshalIndent(cp, "", "  ")
			if _, err := r.artifact(ctx, "candidates.json", "application/json", data); err != nil {
				return err
			}
			if err := r.save(ctx, checkpointDiscover, cp); err != nil {
				return err
			}
		}
	}
	if len(cp.Candidates) == 0 {
		return model.Errorf(model.CodeNoCandidates, "search returned no candidates for %q", r.task.Query).
			WithDetail("providerId", cp.Outcome.ServedBy)
	}
	r.candidates = cp.Candidates
	r.outcome = &cp.Outcome
	r.url = cp.Candidates[0].URL
	r.log.InfoContext(ctx, "candidates discovered",
		"count", len(cp.Candidates), "provider", cp.Outcome.ServedBy, "url", r.url)
	return nil
}

// pageMeta is page.meta.json and the fetch checkpoint.
type pageMeta struct {
	*acquire.Page
	BodyLocator string `json:"bodyLocator"`
}

func (r *run) fetch(ctx context.Context) error {
	var cp pageMeta
	if r.restore(ctx, checkpointFetch, &cp) && cp.Page != nil {
		body, err := r.o.deps.Blobs.Get(ctx, cp.BodyLocator)
		if err == nil {
			cp.Page.Body = body
			r.page = cp.Page
			data, _ := json.MarshalIndent(cp, "", "  ")
			_, err = r.artifact(ctx, "page.meta.json", "application/json", data)
			return err
		}
		r.log.WarnContext(ctx, "checkpointed page body missing, fetching again", "error", err)
	}

	if r.o.deps.Fetcher == nil {
		return model.Errorf(model.CodeInternal, "no fetcher configured")
	}
	target := r.task.URL
	if r.url != "" {
		target = r.url
	}
	page, err := r.o.deps.Fetcher.Fetch(ctx, target)
	if page != nil {
		r.o.deps.Metrics.Count(observability.MetricFetchAttempts, float64(page.Attempts), nil)
	}
	if err != nil {
		return err
	}
	loc, err := r.o.deps.Blobs.Put(ctx, page.Body, page.ContentType)
	if err != nil {
		return fmt.Errorf("pipeline: store page body: %w", err)
	}
	cp = pageMeta{Page: page, BodyLocator: loc}
	data, _ := json.MarshalIndent(cp, "", "  ")
	if _, err := r.artifact(ctx, "page.meta.json", "application/json", data); err != nil {
		return err
	}
	r.page = page
	r.log.InfoContext(ctx, "page fetched", "url", page.FinalURL, "bytes", len(page.Body), "attempts", page.Attempts)
	return r.save(ctx, checkpointFetch, cp)
}

type extractCheckpoint struct {
	Result    *extraction.Result  `json:"result"`
	Artifacts []model.ArtifactRef `json:"artifacts,omitempty"`
}

func (r *run) extract(ctx context.Context) error {
	var cp extractCheckpoint
	if r.restore(ctx, checkpointExtract, &cp) && cp.Result != nil {
		r.result = cp.Result
		r.addArtifacts(cp.Artifacts...)
		return nil
	}
	if r.o.deps.Extractor == nil {
		return model.Errorf(model.CodeExtractionFailed, "no extractor configured")
	}
	res, err := r.o.deps.Extractor.Extract(ctx, r.task, r.page)
	if res != nil && res.LLMCalls > 0 {
		r.o.deps.Metrics.Count(observability.MetricLLMCalls, float64(res.LLMCalls), map[string]string{"phase": "extract"})
	}
	if err != nil {
		return err
	}
	cp.Result = res
	if len(res.JSONLD) > 0 {
		ref, err := r.artifact(ctx, "recipe.jsonld", "application/ld+json", res.JSONLD)
		if err != nil {
			return err
		}
		cp.Artifacts = append(cp.Artifacts, ref)
	}
	if res.Snapshot != "" {
		ref, err := r.artifact(ctx, "snapshot.txt", "text/markdown; charset=utf-8", []byte(res.Snapshot))
		if err != nil {
			return err
		}
		cp.Artifacts = append(cp.Artifacts, ref)
	}
	r.result = res
	r.log.InfoContext(ctx, "recipe extracted", "method", res.Method, "confidence", res.Confidence)
	return r.save(ctx, checkpointExtract, cp)
}

func (r *run) validate(ctx context.Context) error {
	r.validation = model.ValidateRecipe(&r.result.Recipe)
	if !r.validation.Valid() {
		r.log.WarnContext(ctx, "draft has validation errors", "errors", len(r.validation.Errors))
	}
	return nil
}

// repairJSON sends validation errors back to the model until the draft is
// valid or the repair budget is spent. Errors left unrepaired stay on the
// draft for the reviewer.
func (r *run) repairJSON(ctx context.Context) error {
	ex := r.o.deps.Extractor
	for !r.validation.Valid() {
		err := ex.RepairJSON(ctx, r.task, r.result, problems(r.validation))
		r.o.deps.Metrics.Count(observability.MetricRepairAttempts, 1, map[string]string{"phase": "json"})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.log.WarnContext(ctx, "json repair stopped", "code", model.CodeOf(err), "error", err)
			r.notes = append(r.notes, model.Issue{
				Code:    model.CodeOf(err),
				Message: "automatic repair stopped: " + model.Payload(err, "").Message,
			})
			return nil
		}
		r.validation = model.ValidateRecipe(&r.result.Recipe)
		if err := r.advance(ctx, float64(r.result.JSONRepairs)/float64(ex.MaxRepairs())); err != nil {
			return err
		}
	}
	return nil
}

func problems(rep model.ValidationReport) []string {
	out := make([]string, 0, len(rep.Errors))
	for _, is := range rep.Errors {
		out = append(out, strings.TrimSpace(is.Field+" "+is.Message))
	}
	return out
}

// paraphraseStep checks the draft and returns the repair step only when a
// section violates the thresholds and repair is enabled.
func (r *run) paraphraseStep() func(context.Context) error {
	rep := r.o.deps.Guardrail.Check(r.result.SourceText, &r.result.Recipe)
	r.similarity, r.guard = rep, guardrail.Outcome(rep)
	if !rep.ViolatesPolicy || r.o.cfg.NoAutoRepair || r.o.deps.Repairer == nil {
		return nil
	}
	return r.repairParaphrase
}

func (r *run) repairParaphrase(ctx context.Context) error {
	rep, out, err := r.o.deps.Repairer.Repair(ctx, r.task, r.result.SourceText, &r.result.Recipe)
	if err != nil {
		return err
	}
	if out.RepairAttempts > 0 {
		r.o.deps.Metrics.Count(observability.MetricRepairAttempts, float64(out.RepairAttempts),
			map[string]string{"phase": "paraphrase"})
	}
	r.similarity, r.guard = rep, out
	r.validation = model.ValidateRecipe(&r.result.Recipe)
	r.log.InfoContext(ctx, "paraphrase repair done", "status", out.Status, "attempts", out.RepairAttempts)
	return nil
}

// reviewReady publishes the result and parks the task for a reviewer.
func (r *run) reviewReady(ctx context.Context) error {
	r.st.Phase = model.PhaseReviewReady
	var result any
	if r.task.Mode == model.ModeNormalize {
		result = r.proposal
	} else {
		d, err := r.draft(ctx)
		if err != nil {
			return r.fail(ctx, model.PhaseReviewReady, err)
		}
		result = d
	}
	if err := r.st.SetResult(result); err != nil {
		return r.fail(ctx, model.PhaseReviewReady, err)
	}
	if err := r.st.Transition(model.StatusReviewReady); err != nil {
		return r.fail(ctx, model.PhaseReviewReady, err)
	}
	r.st.Error = nil
	if err := r.write(ctx, r.prog.complete()); err != nil {
		return err
	}
	r.o.deps.Metrics.Count(observability.MetricTaskOutcome, 1, map[string]string{"status": string(model.StatusReviewReady)})
	r.log.InfoContext(ctx, "task ready for review", "artifacts", len(r.artifacts))
	return nil
}

func (r *run) draft(ctx context.Context) (*model.RecipeDraft, error) {
	rec := r.result.Recipe
	rec.Source = nil
	src := r.result.Source

	validation := r.validation
	validation.Warnings = append(append([]model.Issue{}, validation.Warnings...), r.notes...)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode draft: %w", err)
	}
	if _, err := r.artifact(ctx, "draft.recipe.json", "application/json", data); err != nil {
		return nil, err
	}
	d := &model.RecipeDraft{
		TaskID:     r.task.ID,
		Recipe:     rec,
		Validation: validation,
		Similarity: r.similarity,
		Guardrail:  r.guard,
		Confidence: r.result.Confidence,
		Candidates: r.candidates,
		Search:     r.outcome,
		Artifacts:  r.artifacts,
		CreatedAt:  r.o.now(),
	}
	if !src.Empty() {
		d.Source = &src
	}
	return d, nil
}
