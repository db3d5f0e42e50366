package model

import "time"

// Issue is one validation finding.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationReport collects errors (blocking) and warnings (advisory).
type ValidationReport struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether the report has no errors.
func (r ValidationReport) Valid() bool { return len(r.Errors) == 0 }

// SectionScore is the similarity of one reviewable field against the source.
type SectionScore struct {
	Section                   string  `json:"section"`
	MaxContiguousTokenOverlap int     `json:"maxContiguousTokenOverlap"`
	NgramJaccard              float64 `json:"ngramJaccard"`
	Level                     string  `json:"level"` // ok, warn, error
}

// SimilarityReport is derived on every check and never persisted apart from
// its draft.
type SimilarityReport struct {
	MaxContiguousTokenOverlap int            `json:"maxContiguousTokenOverlap"`
	MaxNgramJaccard           float64        `json:"maxNgramJaccard"`
	ViolatesPolicy            bool           `json:"violatesPolicy"`
	Warning                   bool           `json:"warning"`
	Skipped                   bool           `json:"skipped,omitempty"` // no source text
	Details                   string         `json:"details"`
	Sections                  []SectionScore `json:"sections"`
}

// ViolatingSections lists the sections at error level.
func (r *SimilarityReport) ViolatingSections() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, s := range r.Sections {
		if s.Level == "error" {
			out = append(out, s.Section)
		}
	}
	return out
}

// GuardrailStatus summarises the paraphrase guardrail for the reviewer.
type GuardrailStatus string

const (
	GuardrailClean     GuardrailStatus = "clean"
	GuardrailWarning   GuardrailStatus = "warning"
	GuardrailRepaired  GuardrailStatus = "repaired"
	GuardrailViolation GuardrailStatus = "violation" // persisted after the repair cap
	GuardrailSkipped   GuardrailStatus = "skipped"   // no source text to compare
)

// GuardrailOutcome records what the guardrail and repair loop did.
type GuardrailOutcome struct {
	Status         GuardrailStatus `json:"status"`
	RepairAttempts int             `json:"repairAttempts"`
	RepairedFields []string        `json:"repairedFields,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ArtifactRef points at a blob written during a run.
type ArtifactRef struct {
	Name        string `json:"name"`
	Locator     string `json:"locator"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	SHA256      string `json:"sha256"`
}

// RecipeDraft is the unit a reviewer sees. Provenance lives here and is
// copied onto the record at commit.
type RecipeDraft struct {
	TaskID     string            `json:"taskId"`
	Recipe     Recipe            `json:"recipe"`
	Source     *Source           `json:"source,omitempty"`
	Validation ValidationReport  `json:"validation"`
	Similarity *SimilarityReport `json:"similarity,omitempty"`
	Guardrail  GuardrailOutcome  `json:"guardrail"`
	Confidence float64           `json:"confidence,omitempty"`
	Candidates []SearchCandidate `json:"candidates,omitempty"`
	Search     *SearchOutcome    `json:"search,omitempty"`
	Artifacts  []ArtifactRef     `json:"artifacts,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Artifact returns the ref with the given name.
func (d *RecipeDraft) Artifact(name string) (ArtifactRef, bool) {
	for _, a := range d.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return ArtifactRef{}, false
}

// AddArtifact appends ref, replacing one with the same name.
func (d *RecipeDraft) AddArtifact(ref ArtifactRef) {
	for i, a := range d.Artifacts {
		if a.Name == ref.Name {
			d.Artifacts[i] = ref
			return
		}
	}
	d.Artifacts = append(d.Artifacts, ref)
}
