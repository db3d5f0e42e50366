package lifecycle

import (
	"context"
	"errors"

	"github.com/hazyhaar/recette/idgen"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
)

// NormalizeRequest commits a draft and queues a normalize pass over the
// committed record.
type NormalizeRequest struct {
	CommitRequest
	FocusAreas []string `json:"focusAreas,omitempty"`
}

// FollowUpID is the id of the normalize task spawned from taskID. Deriving
// it makes a retried disposition resubmit the same task.
func FollowUpID(taskID string) string { return idgen.Derived("tsk_", taskID+"/normalize") }

// Normalize commits like Commit, then submits a normalize task for the
// record and links it from the committed state. Calling it again on a
// committed task only completes the missing steps.
func (c *Controller) Normalize(ctx context.Context, req NormalizeRequest) (*CommitResult, error) {
	start := c.now()
	res, err := c.normalize(ctx, req)
	c.audit(ctx, "normalize", req.TaskID, req.Actor, res, err, start)
	return res, err
}

func (c *Controller) normalize(ctx context.Context, req NormalizeRequest) (*CommitResult, error) {
	res, err := c.commit(ctx, req.CommitRequest)
	if err != nil {
		return nil, err
	}
	if res.FollowUpTaskID != "" {
		return res, nil
	}

	follow := &model.IngestTask{
		ID:         FollowUpID(req.TaskID),
		ThreadID:   res.State.ThreadID,
		Mode:       model.ModeNormalize,
		RecipeID:   res.RecipeID,
		FocusAreas: req.FocusAreas,
	}
	if orig, err := c.deps.Bus.Task(ctx, req.TaskID); err == nil {
		follow.PromptOverrides = orig.PromptOverrides
	}
	if _, err := c.deps.Bus.Submit(ctx, follow); err != nil {
		return nil, err
	}

	st, err := c.link(ctx, req.TaskID, follow.ID)
	if err != nil {
		return nil, err
	}
	res.FollowUpTaskID, res.State = follow.ID, st
	c.log.InfoContext(ctx, "normalize task queued", "task_id", req.TaskID, "follow_up", follow.ID, "recipe_id", res.RecipeID)
	return res, nil
}

// link records followUp on the committed state, rereading on conflict.
func (c *Controller) link(ctx context.Context, taskID, followUp string) (*model.TaskState, error) {
	for attempt := 0; ; attempt++ {
		st, err := c.deps.Bus.State(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if st.FollowUpTaskID == followUp {
			return st, nil
		}
		st.FollowUpTaskID = followUp
		st.UpdatedAt = c.now()
		err = c.deps.Bus.SetTaskState(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) || attempt >= 2 {
			return nil, err
		}
	}
}
