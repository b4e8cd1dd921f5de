package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event types.
const (
	WorkflowStarted   = "workflow.started"
	StageAttempt      = "stage.attempt"
	QualityEvaluated  = "quality.evaluated"
	WorkflowSucceeded = "workflow.succeeded"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
	APIKeyCreated     = "apikey.created"
	APIKeyDeleted     = "apikey.deleted"
)

// Finished returns the terminal event type for a workflow status.
func Finished(status string) string {
	switch status {
	case "succeeded":
		return WorkflowSucceeded
	case "cancelled":
		return WorkflowCancelled
	default:
		return WorkflowFailed
	}
}

// Append records an event inside tx so it commits together with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workflowID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(workflowID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
