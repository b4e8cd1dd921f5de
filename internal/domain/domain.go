package domain

import "time"

// Workflow statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Brief is the campaign request submitted by a caller.
type Brief struct {
	Topic       string       `json:"topic,omitempty"`
	Destination string       `json:"destination,omitempty"`
	Origin      string       `json:"origin,omitempty"`
	Audience    string       `json:"audience,omitempty"`
	Tone        string       `json:"tone,omitempty"`
	Language    string       `json:"language,omitempty"`
	DepartFrom  string       `json:"depart_from,omitempty" format:"date"`
	DepartTo    string       `json:"depart_to,omitempty" format:"date"`
	Filters     BriefFilters `json:"filters,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

type BriefFilters struct {
	MaxPrice   float64 `json:"max_price,omitempty"`
	DirectOnly bool    `json:"direct_only,omitempty"`
	Currency   string  `json:"currency,omitempty"`
}

// Clone returns a copy that shares no slices with b.
func (b Brief) Clone() Brief {
	out := b
	if b.Tags != nil {
		out.Tags = append([]string(nil), b.Tags...)
	}
	return out
}

// GateOutcome summarizes a quality gate decision on a trace record.
type GateOutcome struct {
	Passed    bool    `json:"passed"`
	Retry     bool    `json:"retry"`
	Escalate  bool    `json:"escalate"`
	Threshold float64 `json:"threshold"`
}

// StageExecutionRecord is one stage attempt in a workflow trace.
type StageExecutionRecord struct {
	ID               string       `json:"id"`
	WorkflowID       string       `json:"workflow_id"`
	Stage            string       `json:"stage"`
	Sequence         int          `json:"sequence"`
	Retry            int          `json:"retry"`
	QualityIteration int          `json:"quality_iteration"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          time.Time    `json:"ended_at"`
	Success          bool         `json:"success"`
	ErrorKind        string       `json:"error_kind,omitempty"`
	Error            string       `json:"error,omitempty"`
	QualityScore     *float64     `json:"quality_score,omitempty"`
	RetriesExhausted bool         `json:"retries_exhausted,omitempty"`
	Cancelled        bool         `json:"cancelled,omitempty"`
	Gate             *GateOutcome `json:"gate,omitempty"`
}

// Duration is the wall time of the attempt.
func (r StageExecutionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

type Workflow struct {
	ID           string   `json:"id"`
	Status       string   `json:"status" enum:"pending,running,succeeded,failed,cancelled"`
	Brief        Brief    `json:"brief"`
	ActorID      string   `json:"actor_id"`
	StartedAt    string   `json:"started_at" format:"date-time"`
	FinishedAt   *string  `json:"finished_at,omitempty" format:"date-time"`
	Error        string   `json:"error,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	SummaryJSON  *string  `json:"summary_json,omitempty"`
}

type Artifact struct {
	WorkflowID string `json:"workflow_id"`
	Key        string `json:"key"`
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	ValueJSON  string `json:"value_json"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
