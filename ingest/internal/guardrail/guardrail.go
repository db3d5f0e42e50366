// Package guardrail scores how much of a draft's prose is copied from its
// source page and drives a bounded paraphrase repair of the sections that
// exceed the thresholds.
package guardrail

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/similarity"
)

// Config holds the copy thresholds.
type Config struct {
	MaxOverlapWarn    int     `yaml:"max_overlap_warn"`    // Default: 40 tokens.
	MaxOverlapError   int     `yaml:"max_overlap_error"`   // Default: 80 tokens.
	JaccardWarn       float64 `yaml:"jaccard_warn"`        // Default: 0.20.
	JaccardError      float64 `yaml:"jaccard_error"`       // Default: 0.35.
	NgramSize         int     `yaml:"ngram_size"`          // Default: 5.
	MinTokenLength    int     `yaml:"min_token_length"`    // Default: 2.
	MaxRepairAttempts int     `yaml:"max_repair_attempts"` // Default: 2.
}

func (c *Config) defaults() {
	if c.MaxOverlapWarn <= 0 {
		c.MaxOverlapWarn = 40
	}
	if c.MaxOverlapError <= 0 {
		c.MaxOverlapError = 80
	}
	if c.JaccardWarn <= 0 {
		c.JaccardWarn = 0.20
	}
	if c.JaccardError <= 0 {
		c.JaccardError = 0.35
	}
	if c.NgramSize <= 0 {
		c.NgramSize = 5
	}
	if c.MinTokenLength <= 0 {
		c.MinTokenLength = similarity.DefaultMinTokenLength
	}
	if c.MaxRepairAttempts <= 0 {
		c.MaxRepairAttempts = 2
	}
}

// Section is one reviewable text field of a recipe.
type Section struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Sections lists the prose fields subject to the guardrail: the
// description and each instruction. Ingredient lines are facts and are
// never scored.
func Sections(r *model.Recipe) []Section {
	var out []Section
	if strings.TrimSpace(r.Description) != "" {
		out = append(out, Section{ID: "description", Text: r.Description})
	}
	for i, step := range r.Instructions {
		out = append(out, Section{ID: "instructions[" + strconv.Itoa(i) + "]", Text: step})
	}
	return out
}

var stepID = regexp.MustCompile(`^instructions\[(\d+)\]$`)

// SetSection writes text into the field named by id. It reports false for
// an unknown id.
func SetSection(r *model.Recipe, id, text string) bool {
	if id == "description" {
		r.Description = text
		return true
	}
	m := stepID.FindStringSubmatch(id)
	if m == nil {
		return false
	}
	i, _ := strconv.Atoi(m[1])
	if i >= len(r.Instructions) {
		return false
	}
	r.Instructions[i] = text
	return true
}

// Guardrail scores drafts against their source.
type Guardrail struct {
	cfg Config
}

// New creates a Guardrail.
func New(cfg Config) *Guardrail {
	cfg.defaults()
	return &Guardrail{cfg: cfg}
}

// Config returns the effective thresholds.
func (g *Guardrail) Config() Config { return g.cfg }

// Check scores every section of r against the whole source: the longest
// shared run of tokens and the n-gram Jaccard of the section's shingles with
// the source's. A source with no tokens yields a report with no sections.
func (g *Guardrail) Check(source string, r *model.Recipe) *model.SimilarityReport {
	rep := &model.SimilarityReport{}
	srcTokens := similarity.Tokenize(source, g.cfg.MinTokenLength)
	if len(srcTokens) == 0 {
		rep.Skipped = true
		rep.Details = "no source text to compare"
		return rep
	}

	var flagged []string
	for _, s := range Sections(r) {
		tok := similarity.Tokenize(s.Text, g.cfg.MinTokenLength)
		score := model.SectionScore{
			Section:                   s.ID,
			MaxContiguousTokenOverlap: similarity.MaxContiguousOverlap(tok, srcTokens),
			NgramJaccard:              similarity.NgramJaccard(tok, srcTokens, g.cfg.NgramSize),
		}
		score.Level = g.level(score)

		if score.MaxContiguousTokenOverlap > rep.MaxContiguousTokenOverlap {
			rep.MaxContiguousTokenOverlap = score.MaxContiguousTokenOverlap
		}
		if score.NgramJaccard > rep.MaxNgramJaccard {
			rep.MaxNgramJaccard = score.NgramJaccard
		}
		switch score.Level {
		case "error":
			rep.ViolatesPolicy = true
			rep.Warning = true
			flagged = append(flagged, s.ID)
		case "warn":
			rep.Warning = true
		}
		rep.Sections = append(rep.Sections, score)
	}

	switch {
	case rep.ViolatesPolicy:
		rep.Details = fmt.Sprintf("%d of %d sections exceed copy thresholds: %s",
			len(flagged), len(rep.Sections), strings.Join(flagged, ", "))
	case rep.Warning:
		rep.Details = "some sections are close to the copy thresholds"
	default:
		rep.Details = "no excessive copying detected"
	}
	return rep
}

func (g *Guardrail) level(s model.SectionScore) string {
	switch {
	case s.MaxContiguousTokenOverlap >= g.cfg.MaxOverlapError || s.NgramJaccard >= g.cfg.JaccardError:
		return "error"
	case s.MaxContiguousTokenOverlap >= g.cfg.MaxOverlapWarn || s.NgramJaccard >= g.cfg.JaccardWarn:
		return "warn"
	}
	return "ok"
}

// Outcome classifies a report for the reviewer without any repair.
func Outcome(rep *model.SimilarityReport) model.GuardrailOutcome {
	switch {
	case rep == nil || rep.Skipped:
		return model.GuardrailOutcome{Status: model.GuardrailSkipped, Message: "no source text to compare"}
	case rep.ViolatesPolicy:
		return model.GuardrailOutcome{Status: model.GuardrailViolation, Message: rep.Details}
	case rep.Warning:
		return model.GuardrailOutcome{Status: model.GuardrailWarning, Message: rep.Details}
	}
	return model.GuardrailOutcome{Status: model.GuardrailClean}
}
