package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/llm"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Repairer rewrites violating sections through the paraphrase model and
// re-checks after every attempt.
type Repairer struct {
	guard   *Guardrail
	client  llm.Client
	prompts *llm.Catalog
	logger  *slog.Logger
}

// NewRepairer creates a Repairer. prompts nil uses the built-in catalog.
func NewRepairer(g *Guardrail, client llm.Client, prompts *llm.Catalog, logger *slog.Logger) *Repairer {
	if prompts == nil {
		prompts = llm.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{guard: g, client: client, prompts: prompts, logger: logger}
}

type paraphraseReply struct {
	Sections []Section `json:"sections"`
}

// Repair checks rec against source and, while sections violate the
// thresholds, asks the model to rewrite only those sections, up to
// MaxRepairAttempts times. rec is modified in place. A persistent violation
// is not an error: it is reported in the outcome for the reviewer. Only
// cancellation is returned as an error.
func (r *Repairer) Repair(ctx context.Context, task *model.IngestTask, source string, rec *model.Recipe) (*model.SimilarityReport, model.GuardrailOutcome, error) {
	rep := r.guard.Check(source, rec)
	out := Outcome(rep)
	if !rep.ViolatesPolicy {
		return rep, out, nil
	}
	log := r.logger.With("task_id", task.ID)

	repaired := map[string]bool{}
	for out.RepairAttempts < r.guard.cfg.MaxRepairAttempts {
		sections := violating(rep, rec)
		if len(sections) == 0 {
			break
		}
		out.RepairAttempts++

		payload, _ := json.Marshal(sections)
		req, err := r.prompts.Render(llm.PhaseParaphrase, task.PromptFor(llm.PhaseParaphrase), map[string]any{"Sections": string(payload)})
		if err != nil {
			return rep, out, fmt.Errorf("guardrail: %w", err)
		}
		req.TaskID = task.ID
		resp, err := r.client.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return rep, out, model.Wrap(model.CodeCancelled, ctx.Err(), "paraphrase cancelled")
			}
			log.Warn("paraphrase call failed", "attempt", out.RepairAttempts, "error", err)
			if llm.Unavailable(err) {
				break
			}
			continue
		}

		parsed := llm.ParseJSON[paraphraseReply](resp.Text)
		if !parsed.OK() {
			log.Warn("paraphrase reply unusable", "attempt", out.RepairAttempts, "error", parsed.Err)
			continue
		}
		sent := map[string]bool{}
		for _, s := range sections {
			sent[s.ID] = true
		}
		for _, s := range parsed.Value.Sections {
			text := strings.TrimSpace(s.Text)
			if !sent[s.ID] || text == "" {
				continue
			}
			if SetSection(rec, s.ID, text) {
				repaired[s.ID] = true
			}
		}
		rep = r.guard.Check(source, rec)
		log.Info("paraphrase attempt", "attempt", out.RepairAttempts,
			"violates", rep.ViolatesPolicy, "max_overlap", rep.MaxContiguousTokenOverlap, "max_jaccard", rep.MaxNgramJaccard)
		if !rep.ViolatesPolicy {
			break
		}
	}

	for _, s := range Sections(rec) {
		if repaired[s.ID] {
			out.RepairedFields = append(out.RepairedFields, s.ID)
		}
	}
	attempts := out.RepairAttempts
	fields := out.RepairedFields
	out = Outcome(rep)
	out.RepairAttempts, out.RepairedFields = attempts, fields
	switch {
	case rep.ViolatesPolicy:
		out.Message = fmt.Sprintf("copy thresholds still exceeded after %d repair attempts: %s",
			attempts, strings.Join(rep.ViolatingSections(), ", "))
	case attempts > 0:
		out.Status = model.GuardrailRepaired
		out.Message = fmt.Sprintf("%d sections rewritten", len(fields))
	}
	return rep, out, nil
}

func violating(rep *model.SimilarityReport, rec *model.Recipe) []Section {
	bad := map[string]bool{}
	for _, id := range rep.ViolatingSections() {
		bad[id] = true
	}
	var out []Section
	for _, s := range Sections(rec) {
		if bad[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
