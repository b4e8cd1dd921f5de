package pipeline

import (
	"context"

	"campaignflow/internal/domain"
)

// Observer receives coordinator lifecycle callbacks. Observers see every state
// change but cannot alter control flow; they must not block for long.
type Observer interface {
	WorkflowStarted(ctx context.Context, wc *WorkflowContext)
	AttemptFinished(ctx context.Context, wc *WorkflowContext, rec domain.StageExecutionRecord)
	ArtifactsMerged(ctx context.Context, wc *WorkflowContext, stage string, keys []string)
	GateEvaluated(ctx context.Context, wc *WorkflowContext, rec domain.StageExecutionRecord, d Decision)
	WorkflowFinished(ctx context.Context, r Report)
}

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) WorkflowStarted(context.Context, *WorkflowContext) {}
func (NopObserver) AttemptFinished(context.Context, *WorkflowContext, domain.StageExecutionRecord) {
}
func (NopObserver) ArtifactsMerged(context.Context, *WorkflowContext, string, []string) {}
func (NopObserver) GateEvaluated(context.Context, *WorkflowContext, domain.StageExecutionRecord, Decision) {
}
func (NopObserver) WorkflowFinished(context.Context, Report) {}

// Observers fans callbacks out in order.
type Observers []Observer

func (o Observers) WorkflowStarted(ctx context.Context, wc *WorkflowContext) {
	for _, ob := range o {
		ob.WorkflowStarted(ctx, wc)
	}
}

func (o Observers) AttemptFinished(ctx context.Context, wc *WorkflowContext, rec domain.StageExecutionRecord) {
	for _, ob := range o {
		ob.AttemptFinished(ctx, wc, rec)
	}
}

func (o Observers) ArtifactsMerged(ctx context.Context, wc *WorkflowContext, stage string, keys []string) {
	for _, ob := range o {
		ob.ArtifactsMerged(ctx, wc, stage, keys)
	}
}

func (o Observers) GateEvaluated(ctx context.Context, wc *WorkflowContext, rec domain.StageExecutionRecord, d Decision) {
	for _, ob := range o {
		ob.GateEvaluated(ctx, wc, rec, d)
	}
}

func (o Observers) WorkflowFinished(ctx context.Context, r Report) {
	for _, ob := range o {
		ob.WorkflowFinished(ctx, r)
	}
}
