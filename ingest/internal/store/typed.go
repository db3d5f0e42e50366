package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Key prefixes.
const (
	taskPrefix   = "task/"
	statePrefix  = "state/"
	recipePrefix = "recipe/"
)

// Tasks stores submitted tasks and their states.
type Tasks struct {
	docs DocStore
}

// NewTasks wraps docs.
func NewTasks(docs DocStore) *Tasks { return &Tasks{docs: docs} }

// Create stores a new task with its pending state. A task id that already
// exists is ErrVersionMismatch.
func (t *Tasks) Create(ctx context.Context, task *model.IngestTask, st *model.TaskState) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("store: encode task: %w", err)
	}
	if _, err := t.docs.CompareAndSwap(ctx, taskPrefix+task.ID, 0, data); err != nil {
		return err
	}
	st.Version = 0
	return t.SaveState(ctx, st)
}

// Task reads a submitted task.
func (t *Tasks) Task(ctx context.Context, id string) (*model.IngestTask, error) {
	d, err := t.docs.Get(ctx, taskPrefix+id)
	if err != nil {
		return nil, err
	}
	var task model.IngestTask
	if err := json.Unmarshal(d.Value, &task); err != nil {
		return nil, fmt.Errorf("store: decode task %s: %w", id, err)
	}
	return &task, nil
}

// State reads a task state. Version is the document version.
func (t *Tasks) State(ctx context.Context, id string) (*model.TaskState, error) {
	d, err := t.docs.Get(ctx, statePrefix+id)
	if err != nil {
		return nil, err
	}
	return decodeState(d)
}

func decodeState(d Doc) (*model.TaskState, error) {
	var st model.TaskState
	if err := json.Unmarshal(d.Value, &st); err != nil {
		return nil, fmt.Errorf("store: decode state %s: %w", d.Key, err)
	}
	st.Version = d.Version
	return &st, nil
}

// SaveState writes st if nobody wrote it since st.Version was read, then
// advances st.Version.
func (t *Tasks) SaveState(ctx context.Context, st *model.TaskState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	v, err := t.docs.CompareAndSwap(ctx, statePrefix+st.TaskID, st.Version, data)
	if err != nil {
		return err
	}
	st.Version = v
	return nil
}

// States lists every task state.
func (t *Tasks) States(ctx context.Context) ([]*model.TaskState, error) {
	docs, err := t.docs.List(ctx, statePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.TaskState, 0, len(docs))
	for _, d := range docs {
		st, err := decodeState(d)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Recipes stores canonical recipe records.
type Recipes struct {
	docs DocStore
}

// NewRecipes wraps docs.
func NewRecipes(docs DocStore) *Recipes { return &Recipes{docs: docs} }

// Get reads a recipe and its version. A missing recipe is RECIPE_NOT_FOUND
// wrapping ErrNotFound.
func (r *Recipes) Get(ctx context.Context, id string) (*model.Recipe, int64, error) {
	d, err := r.docs.Get(ctx, recipePrefix+id)
	if errors.Is(err, ErrNotFound) {
		return nil, 0, model.Wrap(model.CodeRecipeNotFound, err, "recipe %s not found", id)
	}
	if err != nil {
		return nil, 0, err
	}
	var rec model.Recipe
	if err := json.Unmarshal(d.Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("store: decode recipe %s: %w", id, err)
	}
	return &rec, d.Version, nil
}

// Put writes rec under rec.ID at expected version (0: create) and returns
// the new version.
func (r *Recipes) Put(ctx context.Context, rec *model.Recipe, expected int64) (int64, error) {
	if rec.ID == "" {
		return 0, errors.New("store: recipe without id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("store: encode recipe: %w", err)
	}
	return r.docs.CompareAndSwap(ctx, recipePrefix+rec.ID, expected, data)
}

// List returns every recipe.
func (r *Recipes) List(ctx context.Context) ([]*model.Recipe, error) {
	docs, err := r.docs.List(ctx, recipePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Recipe, 0, len(docs))
	for _, d := range docs {
		var rec model.Recipe
		if err := json.Unmarshal(d.Value, &rec); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", d.Key, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
