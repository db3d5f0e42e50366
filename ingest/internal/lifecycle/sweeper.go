package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
)

// StateLister lists task states.
type StateLister interface {
	States(ctx context.Context) ([]*model.TaskState, error)
}

// expire relabels a stale review_ready state.
func (c *Controller) expire(ctx context.Context, st *model.TaskState) error {
	at := st.UpdatedAt.Add(c.cfg.ExpirationWindow)
	if err := st.Transition(model.StatusExpired); err != nil {
		return err
	}
	st.Error = &model.ErrorPayload{
		Code:    model.CodeDraftExpired,
		Message: fmt.Sprintf("draft expired at %s", at.UTC().Format(time.RFC3339)),
		Phase:   model.PhaseReviewReady,
	}
	st.UpdatedAt = c.now()
	if err := c.deps.Bus.SetTaskState(ctx, st); err != nil {
		return err
	}
	c.publish(ctx, st, model.CodeDraftExpired)
	c.audit(ctx, "expire", st.TaskID, "sweeper", nil, nil, c.now())
	return nil
}

// Sweeper periodically expires stale drafts. Commit enforces expiry on its
// own; the sweep keeps listings honest.
type Sweeper struct {
	c      *Controller
	states StateLister
}

// NewSweeper creates a Sweeper over states.
func NewSweeper(c *Controller, states StateLister) *Sweeper {
	return &Sweeper{c: c, states: states}
}

// SweepOnce expires every stale review_ready task and returns how many it
// relabelled. A task touched concurrently is left for the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	all, err := s.states.States(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list states: %w", err)
	}
	n := 0
	for _, st := range all {
		if st.Status != model.StatusReviewReady || !s.c.expired(st) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		switch err := s.c.expire(ctx, st); {
		case err == nil:
			n++
		case errors.Is(err, store.ErrVersionMismatch):
			s.c.log.DebugContext(ctx, "sweep skipped a task updated meanwhile", "task_id", st.TaskID)
		default:
			s.c.log.WarnContext(ctx, "sweep could not expire task", "task_id", st.TaskID, "error", err)
		}
	}
	if n > 0 {
		s.c.log.InfoContext(ctx, "expired stale drafts", "count", n)
	}
	return n, nil
}

// Run sweeps once immediately and then every SweepInterval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.c.cfg.SweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.c.log.ErrorContext(ctx, "sweep failed", "error", err)
	}
}
