package server

import (
	"encoding/json"

	"campaignflow/internal/config"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

// Request payloads

type RunCampaignRequest struct {
	Brief domain.Brief `json:"brief"`
	Wait  bool         `json:"wait,omitempty" doc:"Run synchronously and return the report"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TTL     int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type RunCampaignResponse struct {
	WorkflowID string           `json:"workflow_id"`
	Status     string           `json:"status" enum:"pending,running,succeeded,failed,cancelled"`
	Report     *pipeline.Report `json:"report,omitempty"`
}

type WorkflowResponse struct {
	ID           string         `json:"id"`
	Status       string         `json:"status" enum:"pending,running,succeeded,failed,cancelled"`
	Brief        domain.Brief   `json:"brief"`
	ActorID      string         `json:"actor_id"`
	StartedAt    string         `json:"started_at" format:"date-time"`
	FinishedAt   string         `json:"finished_at,omitempty" format:"date-time"`
	Error        string         `json:"error,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Summary      map[string]any `json:"summary,omitempty"`
}

type ArtifactResponse struct {
	Key       string `json:"key"`
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	Value     any    `json:"value"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TraceResponse struct {
	WorkflowID string                        `json:"workflow_id"`
	Items      []domain.StageExecutionRecord `json:"items"`
}

type ArtifactsResponse struct {
	WorkflowID string             `json:"workflow_id"`
	Items      []ArtifactResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
	Key        string `json:"key,omitempty" doc:"Plain key, only returned on creation"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type StageConfigResponse struct {
	Name                 string  `json:"name"`
	Gated                bool    `json:"gated"`
	MaxRetries           int     `json:"max_retries"`
	BackoffBaseMS        int     `json:"backoff_base_ms"`
	BackoffMaxMS         int     `json:"backoff_max_ms"`
	TimeoutSeconds       int     `json:"timeout_seconds"`
	Threshold            float64 `json:"threshold,omitempty"`
	MaxQualityIterations int     `json:"max_quality_iterations,omitempty"`
	HardFloor            float64 `json:"hard_floor,omitempty"`
}

type ConfigResponse struct {
	Stages []StageConfigResponse `json:"stages"`
	Model  string                `json:"model"`
}

type paginatedWorkflows struct {
	Items      []WorkflowResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:           w.ID,
		Status:       w.Status,
		Brief:        w.Brief,
		ActorID:      w.ActorID,
		StartedAt:    w.StartedAt,
		FinishedAt:   stringOrEmpty(w.FinishedAt),
		Error:        w.Error,
		QualityScore: w.QualityScore,
		Summary:      decodeJSONMap(w.SummaryJSON),
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w))
	}
	return out
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	var v any
	if err := json.Unmarshal([]byte(a.ValueJSON), &v); err != nil {
		v = a.ValueJSON
	}
	return ArtifactResponse{
		Key:       a.Key,
		Stage:     a.Stage,
		Attempt:   a.Attempt,
		Value:     v,
		UpdatedAt: a.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap(&e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		WorkflowID: e.WorkflowID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		ActorID:    k.ActorID,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: stringOrEmpty(k.LastUsedAt),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	res := ConfigResponse{Stages: []StageConfigResponse{}, Model: cfg.LLM.Model}
	for _, s := range cfg.Pipeline.Stages {
		res.Stages = append(res.Stages, StageConfigResponse{
			Name:                 s.Name,
			Gated:                s.Gated,
			MaxRetries:           s.MaxRetries,
			BackoffBaseMS:        s.BackoffBaseMS,
			BackoffMaxMS:         s.BackoffMaxMS,
			TimeoutSeconds:       s.TimeoutSeconds,
			Threshold:            s.Threshold,
			MaxQualityIterations: s.MaxQualityIterations,
			HardFloor:            s.HardFloor,
		})
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
