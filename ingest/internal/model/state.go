package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle status of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusReviewReady Status = "review_ready"
	StatusCommitted   Status = "committed"
	StatusRejected    Status = "rejected"
	StatusExpired     Status = "expired"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// transitions lists the allowed successors of each status.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:     {StatusRunning, StatusReviewReady, StatusFailed, StatusCancelled},
	StatusReviewReady: {StatusCommitted, StatusRejected, StatusExpired},
	StatusCancelled:   {StatusRunning},
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskState is the observable state of a task. Version is the concurrency
// token: the document-store version of this record, echoed by callers on
// Commit and Reject.
type TaskState struct {
	TaskID   string `json:"taskId"`
	ThreadID string `json:"threadId,omitempty"`
	Mode     Mode   `json:"mode"`

	Phase    Phase  `json:"phase"`
	Progress int    `json:"progress"`
	Status   Status `json:"status"`

	// Result holds a *RecipeDraft (url, query) or *NormalizeProposal
	// (normalize) once the task is review_ready.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`

	// Checkpoints map a checkpoint name to a blob locator so a redelivered
	// task can reuse work already done.
	Checkpoints map[string]string `json:"checkpoints,omitempty"`

	// CommittedRecipeID is set once the task is committed.
	CommittedRecipeID string `json:"committedRecipeId,omitempty"`
	// FollowUpTaskID links a normalize task spawned from this one.
	FollowUpTaskID string `json:"followUpTaskId,omitempty"`
	// PendingCommit is the record write a committed state still owes. It is
	// cleared once the record is stored.
	PendingCommit *CommitIntent `json:"pendingCommit,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CommitIntent is the recipe a commit writes once it has won the state
// transition. Expected is the record version it replaces, 0 to create it.
type CommitIntent struct {
	Recipe   Recipe `json:"recipe"`
	Expected int64  `json:"expected"`
}

// NewTaskState returns the pending state of a freshly submitted task.
func NewTaskState(t *IngestTask, now time.Time) *TaskState {
	return &TaskState{
		TaskID:    t.ID,
		ThreadID:  t.ThreadID,
		Mode:      t.Mode,
		Phase:     PhaseInitialization,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the state to next, refusing illegal moves.
func (s *TaskState) Transition(next Status) error {
	if s.Status == next && next != StatusRunning {
		return nil
	}
	if !CanTransition(s.Status, next) {
		return Errorf(CodeInvalidState, "task %s cannot go from %s to %s", s.TaskID, s.Status, next)
	}
	s.Status = next
	return nil
}

// Draft decodes Result as a recipe draft.
func (s *TaskState) Draft() (*RecipeDraft, error) {
	if len(s.Result) == 0 {
		return nil, Errorf(CodeInvalidState, "task %s has no draft", s.TaskID)
	}
	var d RecipeDraft
	if err := json.Unmarshal(s.Result, &d); err != nil {
		return nil, fmt.Errorf("model: decode draft of %s: %w", s.TaskID, err)
	}
	return &d, nil
}

// Proposal decodes Result as a normalize proposal.
func (s *TaskState) Proposal() (*NormalizeProposal, error) {
	if len(s.Result) == 0 {
		return nil, Errorf(CodeInvalidState, "task %s has no normalize proposal", s.TaskID)
	}
	var p NormalizeProposal
	if err := json.Unmarshal(s.Result, &p); err != nil {
		return nil, fmt.Errorf("model: decode proposal of %s: %w", s.TaskID, err)
	}
	return &p, nil
}

// SetResult encodes v into Result.
func (s *TaskState) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("model: encode result: %w", err)
	}
	s.Result = data
	return nil
}

// Clone returns a deep-enough copy for safe mutation by another goroutine.
func (s *TaskState) Clone() *TaskState {
	c := *s
	if s.Result != nil {
		c.Result = append(json.RawMessage(nil), s.Result...)
	}
	if s.Checkpoints != nil {
		c.Checkpoints = make(map[string]string, len(s.Checkpoints))
		for k, v := range s.Checkpoints {
			c.Checkpoints[k] = v
		}
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.PendingCommit != nil {
		p := *s.PendingCommit
		c.PendingCommit = &p
	}
	return &c
}
