package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"campaignflow/internal/domain"
)

const tracerName = "campaignflow/internal/pipeline"

// Coordinator runs a fixed, ordered list of stages as a state machine:
// pending -> running(stage) -> succeeded | failed | cancelled.
type Coordinator struct {
	stages   []StageDefinition
	exec     Executor
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
	recordID func() string
	sleep    SleepFunc
}

type Option func(*Coordinator)

func WithObserver(obs ...Observer) Option {
	return func(c *Coordinator) {
		c.observer = Observers(obs)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock sets the time source used for trace timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator sets the workflow id generator used by Run.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// NewCoordinator validates the pipeline definition and returns a coordinator.
// The definition is copied; later changes to stages have no effect.
func NewCoordinator(stages []StageDefinition, opts ...Option) (*Coordinator, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}
	seen := map[string]bool{}
	for _, s := range stages {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage name %s", s.Name)
		}
		seen[s.Name] = true
	}
	c := &Coordinator{
		stages:   append([]StageDefinition(nil), stages...),
		observer: NopObserver{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		recordID: func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Stages returns the stage names in execution order.
func (c *Coordinator) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the pipeline for brief under a freshly generated workflow id.
func (c *Coordinator) Run(ctx context.Context, brief domain.Brief) Report {
	return c.RunWithID(ctx, c.newID(), brief)
}

// RunWithID executes the pipeline for brief. It never panics and never returns
// an error: every outcome is described by the Report.
func (c *Coordinator) RunWithID(ctx context.Context, id string, brief domain.Brief) Report {
	wc := NewWorkflowContext(id, brief, c.now())
	log := c.logger.With(zap.String("workflow_id", id))
	ctx, span := c.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	c.observer.WorkflowStarted(ctx, wc)
	log.Info("workflow started", zap.Strings("stages", c.Stages()))

	status := domain.StatusSucceeded
	var failure *StageError
	finalIssues := map[string][]string{}
	seq := 0

stages:
	for _, def := range c.stages {
		gate := def.QualityGate()
		policy := def.RetryPolicy()
		policy.Sleep = c.sleep

		for iteration := 1; ; iteration++ {
			if err := ctx.Err(); err != nil {
				status, failure = domain.StatusCancelled, newStageError(def.Name, KindCancelled, err)
				break stages
			}
			res := policy.Run(ctx, func(ctx context.Context, retry int) StageResult {
				seq++
				rec := domain.StageExecutionRecord{
					ID:         c.recordID(),
					WorkflowID: id,
					Stage:      def.Name,
					Sequence:   seq,
					Retry:      retry,
					StartedAt:  c.now(),
				}
				if def.Gated {
					rec.QualityIteration = iteration
				}
				r := c.attempt(ctx, def, wc, rec)
				if r.Success {
					keys, err := wc.merge(def.Name, seq, r.Artifacts)
					if err != nil {
						r = failed(def.Name, KindConflict, err)
					} else {
						defer c.observer.ArtifactsMerged(ctx, wc, def.Name, keys)
					}
				}
				rec.EndedAt = c.now()
				rec.Success = r.Success
				rec.QualityScore = r.QualityScore
				if r.Err != nil {
					rec.ErrorKind = string(r.Err.Kind)
					rec.Error = r.Err.Message
					rec.Cancelled = r.Err.Kind == KindCancelled
					rec.RetriesExhausted = r.Err.Kind.Retryable() && retry >= def.MaxRetries
				}
				wc.appendTrace(rec)
				c.observer.AttemptFinished(ctx, wc, rec)
				log.Debug("stage attempt finished",
					zap.String("stage", def.Name),
					zap.Int("retry", retry),
					zap.Bool("success", rec.Success),
					zap.String("error_kind", rec.ErrorKind))
				return r
			})

			if !res.Success {
				failure = res.Err
				status = domain.StatusFailed
				if failure.Kind == KindCancelled {
					status = domain.StatusCancelled
					// cancelled during a backoff wait: the attempt keeps its own error kind
					wc.updateLastTrace(func(r *domain.StageExecutionRecord) { r.Cancelled = true })
				}
				log.Warn("stage failed",
					zap.String("stage", def.Name),
					zap.Int("attempts", res.Attempts),
					zap.Bool("retries_exhausted", res.RetriesExhausted),
					zap.Error(failure))
				break stages
			}
			if !def.Gated {
				break
			}

			finalIssues[def.Name] = res.Issues
			d := gate.Evaluate(*res.QualityScore, iteration)
			rec, _ := wc.updateLastTrace(func(r *domain.StageExecutionRecord) {
				r.Gate = &domain.GateOutcome{
					Passed:    d.Passed,
					Retry:     d.ShouldRetryStage,
					Escalate:  d.Escalate,
					Threshold: d.Threshold,
				}
			})
			c.observer.GateEvaluated(ctx, wc, rec, d)
			log.Info("quality gate evaluated",
				zap.String("stage", def.Name),
				zap.Float64("score", d.Score),
				zap.Float64("threshold", d.Threshold),
				zap.Int("iteration", iteration),
				zap.Bool("passed", d.Passed),
				zap.Bool("escalate", d.Escalate))
			if d.Passed {
				break
			}
			if d.Escalate {
				failure = &StageError{Stage: def.Name, Kind: KindQuality, Message: d.Reason}
				status = domain.StatusFailed
				break stages
			}
			wc.addFeedback(def.Name, Feedback{
				Iteration:       iteration,
				Score:           d.Score,
				Threshold:       d.Threshold,
				Issues:          res.Issues,
				Recommendations: res.Recommendations,
			})
		}
	}

	records := wc.Trace()
	report := Report{
		WorkflowID: id,
		Status:     status,
		Brief:      wc.Brief(),
		Artifacts:  wc.Artifacts(),
		Trace:      records,
		Summary:    summarize(wc, records, finalIssues, c.now()),
		Error:      failure,
		Context:    wc,
	}
	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
	}
	span.SetAttributes(attribute.String("workflow.status", status))
	log.Info("workflow finished",
		zap.String("status", status),
		zap.Int("attempts", report.Summary.TotalAttempts),
		zap.Int64("duration_ms", report.Summary.DurationMS))
	c.observer.WorkflowFinished(ctx, report)
	return report
}

func (c *Coordinator) attempt(ctx context.Context, def StageDefinition, wc *WorkflowContext, rec domain.StageExecutionRecord) StageResult {
	ctx, span := c.tracer.Start(ctx, "stage."+def.Name, trace.WithAttributes(
		attribute.String("stage.name", def.Name),
		attribute.Int("stage.retry", rec.Retry),
		attribute.Int("stage.sequence", rec.Sequence),
	))
	defer span.End()
	r := c.exec.Execute(ctx, def, wc)
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, string(r.Err.Kind))
	}
	if r.QualityScore != nil {
		span.SetAttributes(attribute.Float64("stage.quality_score", *r.QualityScore))
	}
	return r
}
