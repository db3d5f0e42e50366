package pipeline

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/normalize"
	"github.com/hazyhaar/recette/observability"
)

func (r *run) fetchRecipe(ctx context.Context) error {
	if r.o.deps.Recipes == nil {
		return model.Errorf(model.CodeInternal, "no recipe store configured")
	}
	rec, v, err := r.o.deps.Recipes.Get(ctx, r.task.RecipeID)
	if err != nil {
		return err
	}
	r.recipe, r.recipeVersion = rec, v
	return nil
}

// normalize asks the model for patches and previews them against the
// current recipe. Nothing is applied until a reviewer approves.
func (r *run) normalize(ctx context.Context) error {
	eng := r.o.deps.Normalizer
	if eng == nil {
		return model.Errorf(model.CodeLLMUnavailable, "no normalize model configured")
	}
	ops, summary, err := eng.GeneratePatches(ctx, r.task, *r.recipe)
	r.o.deps.Metrics.Count(observability.MetricLLMCalls, 1, map[string]string{"phase": "normalize"})
	if err != nil {
		return err
	}

	p := &model.NormalizeProposal{
		TaskID:        r.task.ID,
		RecipeID:      r.recipe.ID,
		RecipeVersion: r.recipeVersion,
		Patches:       ops,
		Summary:       summary,
	}
	if len(ops) > 0 {
		preview := normalize.ApplyPatches(*r.recipe, ops)
		p.Preview = &preview
	}

	patchJSON, _ := json.MarshalIndent(ops, "", "  ")
	if _, err := r.artifact(ctx, "normalize.patch.json", "application/json", patchJSON); err != nil {
		return err
	}
	diff := normalize.RenderDiff(*r.recipe, ops, summary, p.Preview)
	if _, err := r.artifact(ctx, "normalize.diff.md", "text/markdown; charset=utf-8", []byte(diff)); err != nil {
		return err
	}
	p.Artifacts = r.artifacts
	r.proposal = p
	r.log.InfoContext(ctx, "normalize proposal ready",
		"patches", summary.Total, "high", summary.High, "recipe_id", r.recipe.ID)
	return nil
}
