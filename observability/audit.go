package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/recette/idgen"
)

// Disposition outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// AuditEntry records one reviewer disposition and what came of it.
type AuditEntry struct {
	EntryID      string         `json:"entryId"`
	Timestamp    time.Time      `json:"timestamp"`
	TaskID       string         `json:"taskId"`
	Action       string         `json:"action"` // "commit", "reject", "normalize", "edit_commit", "expire"
	Actor        string         `json:"actor"`
	Outcome      string         `json:"outcome"`
	RecipeID     string         `json:"recipeId,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Duration     time.Duration  `json:"durationNs"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditLog persists dispositions.
type AuditLog struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewAuditLog creates an AuditLog.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db, newID: idgen.Prefixed("aud_", idgen.Default)}
}

// Record inserts e, filling ID, timestamp and outcome when unset.
func (a *AuditLog) Record(ctx context.Context, e *AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
		if e.ErrorCode != "" || e.ErrorMessage != "" {
			e.Outcome = OutcomeError
		}
	}
	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO disposition_audit
			(entry_id, timestamp, task_id, action, actor, outcome, recipe_id,
			 error_code, error_message, duration_ms, details)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.TaskID, e.Action, e.Actor, e.Outcome, e.RecipeID,
		e.ErrorCode, e.ErrorMessage, e.Duration.Milliseconds(), details)
	if err != nil {
		return fmt.Errorf("observability: record audit: %w", err)
	}
	return nil
}

// ForTask returns the dispositions of one task, oldest first.
func (a *AuditLog) ForTask(ctx context.Context, taskID string) ([]*AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, task_id, action, actor, outcome, recipe_id,
		       error_code, error_message, duration_ms, details
		FROM disposition_audit WHERE task_id = ? ORDER BY timestamp, entry_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			ts, dur int64
			details string
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.TaskID, &e.Action, &e.Actor, &e.Outcome, &e.RecipeID,
			&e.ErrorCode, &e.ErrorMessage, &dur, &details); err != nil {
			return nil, fmt.Errorf("observability: scan audit: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Duration = time.Duration(dur) * time.Millisecond
		if details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
