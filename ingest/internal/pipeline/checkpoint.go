package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/store"
)

// Checkpoint names. Each maps to a JSON blob written when the phase
// completes and persisted with the next state write.
const (
	checkpointDiscover = "discover"
	checkpointFetch    = "fetch"
	checkpointExtract  = "extract"
)

// stateWriteError marks a failed state write raised inside a phase, which
// must reach the caller unchanged instead of failing the task.
type stateWriteError struct{ err error }

func (e *stateWriteError) Error() string { return e.err.Error() }
func (e *stateWriteError) Unwrap() error { return e.err }

// save stores v as the checkpoint called name.
func (r *run) save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pipeline: encode checkpoint %s: %w", name, err)
	}
	loc, err := r.o.deps.Blobs.Put(ctx, data, "application/json")
	if err != nil {
		return fmt.Errorf("pipeline: write checkpoint %s: %w", name, err)
	}
	if r.st.Checkpoints == nil {
		r.st.Checkpoints = make(map[string]string)
	}
	r.st.Checkpoints[name] = loc
	return nil
}

// restore decodes the checkpoint called name into v. It reports false when
// there is none or it cannot be read, in which case the phase runs again.
func (r *run) restore(ctx context.Context, name string, v any) bool {
	loc := r.st.Checkpoints[name]
	if loc == "" {
		return false
	}
	data, err := r.o.deps.Blobs.Get(ctx, loc)
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WarnContext(ctx, "checkpoint unreadable, rerunning phase", "checkpoint", name, "error", err)
		}
		delete(r.st.Checkpoints, name)
		return false
	}
	r.log.InfoContext(ctx, "resumed from checkpoint", "checkpoint", name)
	return true
}

// artifact stores data and lists it on the draft.
func (r *run) artifact(ctx context.Context, name, contentType string, data []byte) (model.ArtifactRef, error) {
	ref, err := store.PutArtifact(ctx, r.o.deps.Blobs, name, contentType, data)
	if err != nil {
		return ref, err
	}
	r.addArtifacts(ref)
	return ref, nil
}

func (r *run) addArtifacts(refs ...model.ArtifactRef) {
	for _, ref := range refs {
		replaced := false
		for i, a := range r.artifacts {
			if a.Name == ref.Name {
				r.artifacts[i], replaced = ref, true
				break
			}
		}
		if !replaced {
			r.artifacts = append(r.artifacts, ref)
		}
	}
}
