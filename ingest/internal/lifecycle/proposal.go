package lifecycle

import (
	"context"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/normalize"
	"github.com/hazyhaar/recette/ingest/internal/store"
)

// proposalIntent applies the approved patches of a normalize proposal to
// the current record. The record must still be at the version the proposal
// was generated against; the intent replaces exactly that version.
func (c *Controller) proposalIntent(ctx context.Context, st *model.TaskState, req CommitRequest) (*CommitResult, *model.CommitIntent, error) {
	p, err := st.Proposal()
	if err != nil {
		return nil, nil, err
	}
	ops, err := normalize.Approved(p.Patches, req.Approved)
	if err != nil {
		return nil, nil, err
	}
	cur, version, err := c.deps.Recipes.Get(ctx, p.RecipeID)
	if err != nil {
		return nil, nil, err
	}
	if version != p.RecipeVersion {
		return nil, nil, model.Wrap(model.CodeCommitConflict, store.ErrVersionMismatch,
			"recipe %s changed since the proposal (version %d, proposal %d)", p.RecipeID, version, p.RecipeVersion).
			WithDetail("recipeVersion", version)
	}

	res := &CommitResult{TaskID: st.TaskID, Outcome: OutcomeCommitted, RecipeID: p.RecipeID, RecipeVersion: version}
	if len(ops) == 0 {
		// Nothing approved: the task settles and the record is left alone.
		return res, nil, nil
	}
	applied := normalize.ApplyPatches(*cur, ops)
	res.Patches = &applied
	if applied.Status == model.PatchFailed {
		return nil, nil, model.Errorf(model.CodeInvalidPatch, "none of the %d approved patches applies", len(ops)).
			WithDetail("failed", applied.Failed)
	}
	next := applied.Recipe
	if rep := model.ValidateRecipe(&next); !rep.Valid() {
		return nil, nil, model.Errorf(model.CodeInvalidPatch, "patched recipe is invalid: %s", issues(rep.Errors)).
			WithDetail("errors", rep.Errors)
	}
	next.ID, next.Source, next.CreatedAt = cur.ID, cur.Source, cur.CreatedAt
	next.UpdatedAt = c.now()

	return res, &model.CommitIntent{Recipe: next, Expected: version}, nil
}
