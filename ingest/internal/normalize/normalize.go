// Package normalize proposes, grades and applies JSON-pointer edits to a
// stored recipe. Every edit is reviewable: it carries a category, a reason,
// a risk grade and the value it replaces.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/recette/ingest/internal/llm"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Config tunes the engine.
type Config struct {
	// AutoApproveLowRisk clears RequiresApproval on low-risk patches.
	AutoApproveLowRisk bool `yaml:"auto_approve_low_risk"`
	// MaxPatches drops proposals beyond this count. Default: 50.
	MaxPatches int `yaml:"max_patches"`
}

func (c *Config) defaults() {
	if c.MaxPatches <= 0 {
		c.MaxPatches = 50
	}
}

// Engine generates patch proposals through the normalize model.
type Engine struct {
	cfg     Config
	client  llm.Client
	prompts *llm.Catalog
	logger  *slog.Logger
}

// New creates an Engine.
func New(cfg Config, client llm.Client, prompts *llm.Catalog, logger *slog.Logger) *Engine {
	cfg.defaults()
	if prompts == nil {
		prompts = llm.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, client: client, prompts: prompts, logger: logger}
}

// proposal is the decoded patch as the model writes it.
type proposal struct {
	Op       model.PatchOp   `json:"op"`
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value"`
	Risk     model.Risk      `json:"risk"`
	Category string          `json:"category"`
	Reason   string          `json:"reason"`
}

type proposalSet struct {
	Patches []proposal `json:"patches"`
	Summary string     `json:"summary"`
}

// reviewable strips fields the model must not edit.
func reviewable(r model.Recipe) model.Recipe {
	r.ID = ""
	r.Source = nil
	r.CreatedAt, r.UpdatedAt = time.Time{}, time.Time{}
	return r
}

// GeneratePatches asks the model for edits to r, scoped to focus areas when
// given. An unparsable reply yields no patches and a summary saying so;
// invalid patches are dropped and noted. Only cancellation and an
// unavailable model are errors.
func (e *Engine) GeneratePatches(ctx context.Context, task *model.IngestTask, r model.Recipe) ([]model.PatchOperation, model.PatchSummary, error) {
	doc, _ := json.MarshalIndent(reviewable(r), "", "  ")
	req, err := e.prompts.Render(llm.PhaseNormalize, task.PromptFor(llm.PhaseNormalize), map[string]any{
		"Recipe":     string(doc),
		"FocusAreas": task.FocusAreas,
	})
	if err != nil {
		return nil, model.PatchSummary{}, fmt.Errorf("normalize: %w", err)
	}
	req.TaskID = task.ID
	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.PatchSummary{}, model.Wrap(model.CodeCancelled, ctx.Err(), "normalize cancelled")
		}
		if llm.Unavailable(err) {
			return nil, model.PatchSummary{}, err
		}
		return nil, model.PatchSummary{}, model.Wrap(model.CodeLLMUnavailable, err, "normalize model call failed")
	}

	set, perr := parseProposals(resp.Text)
	if perr != nil {
		e.logger.Warn("normalize reply unusable", "task_id", task.ID, "error", perr)
		return []model.PatchOperation{}, Summarize(nil, "model reply could not be parsed; no changes proposed"), nil
	}

	var (
		ops     []model.PatchOperation
		dropped []string
	)
	for i, p := range set.Patches {
		op := model.PatchOperation{
			Op: p.Op, Path: p.Path, Value: p.Value,
			Risk: p.Risk, Category: strings.ToLower(strings.TrimSpace(p.Category)), Reason: p.Reason,
		}
		if err := validateOp(op); err != nil {
			dropped = append(dropped, fmt.Sprintf("#%d %v", i, err))
			continue
		}
		if len(ops) >= e.cfg.MaxPatches {
			dropped = append(dropped, fmt.Sprintf("#%d over the %d patch limit", i, e.cfg.MaxPatches))
			continue
		}
		op.Risk = Grade(op)
		op.RequiresApproval = !(e.cfg.AutoApproveLowRisk && op.Risk == model.RiskLow)
		op.OriginalValue = Lookup(r, op.Path)
		ops = append(ops, op)
	}

	notes := strings.TrimSpace(set.Summary)
	if len(dropped) > 0 {
		notes = strings.TrimSpace(notes + fmt.Sprintf(" (%d proposals dropped: %s)", len(dropped), strings.Join(dropped, "; ")))
	}
	if ops == nil {
		ops = []model.PatchOperation{}
	}
	return ops, Summarize(ops, notes), nil
}

// parseProposals accepts {"patches": [...], "summary": "..."} or a bare
// array of patches.
func parseProposals(text string) (proposalSet, error) {
	frag, ok := llm.ExtractJSON(text)
	if !ok {
		return proposalSet{}, llm.ErrNoJSON
	}
	if strings.HasPrefix(frag, "[") {
		p := llm.ParseJSON[[]proposal](frag)
		if !p.OK() {
			return proposalSet{}, p.Err
		}
		return proposalSet{Patches: p.Value}, nil
	}
	p := llm.ParseJSON[proposalSet](frag)
	if !p.OK() {
		return proposalSet{}, p.Err
	}
	return p.Value, nil
}

// Approved selects the patches a reviewer accepted: the listed indices plus
// any patch that does not require approval. Out-of-range or duplicate
// indices are INVALID_PATCH.
func Approved(ops []model.PatchOperation, indices []int) ([]model.PatchOperation, error) {
	pick := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(ops) {
			return nil, model.Errorf(model.CodeInvalidPatch, "patch index %d out of range (have %d)", i, len(ops))
		}
		if pick[i] {
			return nil, model.Errorf(model.CodeInvalidPatch, "patch index %d listed twice", i)
		}
		pick[i] = true
	}
	var out []model.PatchOperation
	for i, op := range ops {
		if pick[i] || !op.RequiresApproval {
			out = append(out, op)
		}
	}
	return out, nil
}
