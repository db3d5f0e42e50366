// Package model defines the data exchanged between ingestion components:
// tasks and their states, recipes and drafts, reports, patches, search
// candidates and events.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode selects the phase plan of a task.
type Mode string

const (
	ModeURL       Mode = "url"
	ModeQuery     Mode = "query"
	ModeNormalize Mode = "normalize"
)

// Phase names a pipeline stage.
type Phase string

const (
	PhaseInitialization   Phase = "Initialization"
	PhaseDiscover         Phase = "Discover"
	PhaseFetch            Phase = "Fetch"
	PhaseExtract          Phase = "Extract"
	PhaseValidate         Phase = "Validate"
	PhaseRepairJSON       Phase = "RepairJson"
	PhaseRepairParaphrase Phase = "RepairParaphrase"
	PhaseFetchRecipe      Phase = "FetchRecipe"
	PhaseNormalize        Phase = "Normalize"
	PhaseReviewReady      Phase = "ReviewReady"
	PhaseCommit           Phase = "Commit"
)

// SearchConstraints narrow discovery in query mode.
type SearchConstraints struct {
	ProviderID   string   `json:"providerId,omitempty"`
	Market       string   `json:"market,omitempty"`
	AllowDomains []string `json:"allowDomains,omitempty"`
	DenyDomains  []string `json:"denyDomains,omitempty"`
	MaxResults   int      `json:"maxResults,omitempty"`
	Fallback     bool     `json:"fallback,omitempty"`
}

// IngestTask is the immutable request that starts a pipeline run.
type IngestTask struct {
	ID       string `json:"taskId"`
	ThreadID string `json:"threadId,omitempty"`
	Mode     Mode   `json:"mode"`

	URL         string            `json:"url,omitempty"`
	Query       string            `json:"query,omitempty"`
	Constraints SearchConstraints `json:"constraints,omitzero"`

	// RecipeID targets an existing record in normalize mode.
	RecipeID   string   `json:"recipeId,omitempty"`
	FocusAreas []string `json:"focusAreas,omitempty"`

	// PromptOverrides maps an LLM phase ("extract", "normalize") to the name
	// of an alternate prompt in the catalog.
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

const (
	maxQueryLen = 512
	maxURLLen   = 4096
)

// Validate checks the mode-specific required fields.
func (t *IngestTask) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return Errorf(CodeInvalidPayload, "taskId is required")
	}
	switch t.Mode {
	case ModeURL:
		if strings.TrimSpace(t.URL) == "" {
			return Errorf(CodeEmptyURL, "url is required in url mode")
		}
		if len(t.URL) > maxURLLen {
			return Errorf(CodeInvalidURLFormat, "url exceeds %d characters", maxURLLen)
		}
	case ModeQuery:
		q := strings.TrimSpace(t.Query)
		if q == "" {
			return Errorf(CodeInvalidPayload, "query is required in query mode")
		}
		if len(q) > maxQueryLen {
			return Errorf(CodeInvalidPayload, "query exceeds %d characters", maxQueryLen)
		}
	case ModeNormalize:
		if strings.TrimSpace(t.RecipeID) == "" {
			return Errorf(CodeInvalidPayload, "recipeId is required in normalize mode")
		}
	default:
		return Errorf(CodeInvalidPayload, "unknown mode %q", t.Mode)
	}
	return nil
}

// DecodeTask parses and validates a task payload from the bus.
func DecodeTask(payload []byte) (*IngestTask, error) {
	var t IngestTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, Wrap(CodeInvalidPayload, err, "task payload is not valid JSON")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// PromptFor returns the prompt name to use for an LLM phase, falling back to
// the phase name itself.
func (t *IngestTask) PromptFor(phase string) string {
	if t != nil {
		if name, ok := t.PromptOverrides[phase]; ok && name != "" {
			return name
		}
	}
	return phase
}

// String is used in logs.
func (t *IngestTask) String() string {
	return fmt.Sprintf("%s(%s)", t.ID, t.Mode)
}
