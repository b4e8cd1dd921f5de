package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"campaignflow/internal/domain"
)

// Artifact is a value stored in a WorkflowContext together with its owner.
type Artifact struct {
	Key     string
	Stage   string
	Attempt int
	Value   any
}

// Feedback is injected by the coordinator before a gated stage is re-run.
type Feedback struct {
	Iteration       int      `json:"iteration"`
	Score           float64  `json:"score"`
	Threshold       float64  `json:"threshold"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// WorkflowContext accumulates the brief, artifacts and trace of one workflow run.
// Stages only get read access; mutation is reserved to the coordinator.
type WorkflowContext struct {
	id        string
	brief     domain.Brief
	startedAt time.Time

	mu        sync.RWMutex
	artifacts map[string]Artifact
	order     []string
	revisions []Artifact
	feedback  map[string][]Feedback
	trace     []domain.StageExecutionRecord
}

// NewWorkflowContext creates a context for a single workflow run.
func NewWorkflowContext(id string, brief domain.Brief, startedAt time.Time) *WorkflowContext {
	return &WorkflowContext{
		id:        id,
		brief:     brief.Clone(),
		startedAt: startedAt,
		artifacts: map[string]Artifact{},
		feedback:  map[string][]Feedback{},
	}
}

func (c *WorkflowContext) ID() string { return c.id }

// Brief returns a copy of the immutable brief.
func (c *WorkflowContext) Brief() domain.Brief { return c.brief.Clone() }

func (c *WorkflowContext) StartedAt() time.Time { return c.startedAt }

// Artifact returns the current value for key.
func (c *WorkflowContext) Artifact(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[key]
	if !ok {
		return nil, false
	}
	return a.Value, true
}

// ArtifactEntry returns the value for key together with its owning stage.
func (c *WorkflowContext) ArtifactEntry(key string) (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[key]
	return a, ok
}

// ArtifactAs returns the artifact stored under key when it has type T.
func ArtifactAs[T any](c *WorkflowContext, key string) (T, bool) {
	var zero T
	v, ok := c.Artifact(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Artifacts returns a snapshot of all artifact values keyed by artifact key.
func (c *WorkflowContext) Artifacts() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.artifacts))
	for k, a := range c.artifacts {
		out[k] = a.Value
	}
	return out
}

// ArtifactEntries returns artifacts in the order they were first written.
func (c *WorkflowContext) ArtifactEntries() []Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Artifact, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.artifacts[k])
	}
	return out
}

// Revisions returns values a stage superseded when it was re-run.
func (c *WorkflowContext) Revisions() []Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.revisions)
}

// Feedback returns the quality feedback recorded for stage, oldest first.
func (c *WorkflowContext) Feedback(stage string) []Feedback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.feedback[stage])
}

// LatestFeedback returns the most recent feedback for stage, if any.
func (c *WorkflowContext) LatestFeedback(stage string) (Feedback, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fb := c.feedback[stage]
	if len(fb) == 0 {
		return Feedback{}, false
	}
	return fb[len(fb)-1], true
}

// Trace returns a snapshot of the execution trace.
func (c *WorkflowContext) Trace() []domain.StageExecutionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.trace)
}

// merge stores produced artifacts for stage. A key written by another stage is
// never overwritten; the whole merge is rejected instead.
func (c *WorkflowContext) merge(stage string, attempt int, produced map[string]any) ([]string, error) {
	if len(produced) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := slices.Sorted(maps.Keys(produced))
	for _, k := range keys {
		if prev, ok := c.artifacts[k]; ok && prev.Stage != stage {
			return nil, fmt.Errorf("artifact %q is owned by stage %s", k, prev.Stage)
		}
	}
	for _, k := range keys {
		if prev, ok := c.artifacts[k]; ok {
			c.revisions = append(c.revisions, prev)
		} else {
			c.order = append(c.order, k)
		}
		c.artifacts[k] = Artifact{Key: k, Stage: stage, Attempt: attempt, Value: produced[k]}
	}
	return keys, nil
}

func (c *WorkflowContext) appendTrace(rec domain.StageExecutionRecord) {
	c.mu.Lock()
	c.trace = append(c.trace, rec)
	c.mu.Unlock()
}

// updateLastTrace lets the coordinator attach the gate outcome to the attempt it judged.
func (c *WorkflowContext) updateLastTrace(fn func(*domain.StageExecutionRecord)) (domain.StageExecutionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.trace) == 0 {
		return domain.StageExecutionRecord{}, false
	}
	fn(&c.trace[len(c.trace)-1])
	return c.trace[len(c.trace)-1], true
}

func (c *WorkflowContext) addFeedback(stage string, fb Feedback) {
	c.mu.Lock()
	c.feedback[stage] = append(c.feedback[stage], fb)
	c.mu.Unlock()
}
