package model

import "encoding/json"

// PatchOp is the kind of a patch operation.
type PatchOp string

const (
	OpReplace PatchOp = "replace"
	OpAdd     PatchOp = "add"
	OpRemove  PatchOp = "remove"
)

// Risk grades how much a reviewer should scrutinise a patch.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// rank orders risks for comparison.
func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// Valid reports whether r is a known risk level.
func (r Risk) Valid() bool { return r.rank() > 0 }

// Max returns the higher of r and o.
func (r Risk) Max(o Risk) Risk {
	if o.rank() > r.rank() {
		return o
	}
	return r
}

// PatchOperation is one JSON-pointer edit proposed against a recipe.
type PatchOperation struct {
	Op               PatchOp         `json:"op"`
	Path             string          `json:"path"`
	Value            json.RawMessage `json:"value,omitempty"`
	Risk             Risk            `json:"risk"`
	Category         string          `json:"category,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	OriginalValue    json.RawMessage `json:"originalValue,omitempty"`
	RequiresApproval bool            `json:"requiresApproval"`
}

// PatchStatus is the overall outcome of applying a patch list.
type PatchStatus string

const (
	PatchSuccess PatchStatus = "success"
	PatchPartial PatchStatus = "partial"
	PatchFailed  PatchStatus = "failed"
)

// FailedPatch pairs an operation with why it could not be applied.
type FailedPatch struct {
	Index int            `json:"index"`
	Op    PatchOperation `json:"op"`
	Error string         `json:"error"`
}

// PatchResult is the outcome of ApplyPatches.
type PatchResult struct {
	Status  PatchStatus      `json:"status"`
	Applied []PatchOperation `json:"applied"`
	Failed  []FailedPatch    `json:"failed"`
	Recipe  Recipe           `json:"recipe"`
}

// PatchSummary counts proposed changes by risk.
type PatchSummary struct {
	Total              int    `json:"total"`
	Low                int    `json:"low"`
	Medium             int    `json:"medium"`
	High               int    `json:"high"`
	HasHighRiskChanges bool   `json:"hasHighRiskChanges"`
	Notes              string `json:"notes,omitempty"`
}

// NormalizeProposal is the review payload of a normalize task.
type NormalizeProposal struct {
	TaskID        string           `json:"taskId"`
	RecipeID      string           `json:"recipeId"`
	RecipeVersion int64            `json:"recipeVersion"`
	Patches       []PatchOperation `json:"patches"`
	Summary       PatchSummary     `json:"summary"`
	Preview       *PatchResult     `json:"preview,omitempty"`
	Artifacts     []ArtifactRef    `json:"artifacts,omitempty"`
}
