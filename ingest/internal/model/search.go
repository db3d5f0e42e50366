package model

import "time"

// SearchCandidate is one discovery result, normalized across providers.
type SearchCandidate struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet,omitempty"`
	SiteName   string  `json:"siteName,omitempty"`
	Score      float64 `json:"score"`
	Position   int     `json:"position"`
	ProviderID string  `json:"providerId"`
}

// ProviderCapabilities describes what a search provider supports.
type ProviderCapabilities struct {
	RateLimitPerMinute      int  `json:"rateLimitPerMinute"`
	SupportsMarket          bool `json:"supportsMarket"`
	SupportsSiteRestriction bool `json:"supportsSiteRestriction"`
	MaxResults              int  `json:"maxResults"`
}

// ProviderDescriptor is the registry entry of a search provider.
type ProviderDescriptor struct {
	ID           string               `json:"id"`
	DisplayName  string               `json:"displayName"`
	Enabled      bool                 `json:"enabled"`
	Default      bool                 `json:"default"`
	Capabilities ProviderCapabilities `json:"capabilities"`
}

// SearchOutcome records which provider served a search and why a fallback
// happened.
type SearchOutcome struct {
	RequestedProvider string `json:"requestedProvider"`
	ServedBy          string `json:"servedBy"`
	FallbackUsed      bool   `json:"fallbackUsed"`
	FallbackReason    string `json:"fallbackReason,omitempty"`
}

// EventTypeProgress is the event emitted on every phase boundary.
const EventTypeProgress = "ingest.progress"

// Event is a progress notification for hosts.
type Event struct {
	Type     string    `json:"type"`
	TaskID   string    `json:"taskId"`
	ThreadID string    `json:"threadId,omitempty"`
	Phase    Phase     `json:"phase"`
	Progress int       `json:"progress"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// ProgressEvent builds the event for a state.
func ProgressEvent(s *TaskState, at time.Time) Event {
	return Event{
		Type:     EventTypeProgress,
		TaskID:   s.TaskID,
		ThreadID: s.ThreadID,
		Phase:    s.Phase,
		Progress: s.Progress,
		Status:   s.Status,
		At:       at,
	}
}
