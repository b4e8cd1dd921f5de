package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noSleep(context.Context, time.Duration) error { return nil }

func brief() domain.Brief {
	return domain.Brief{Topic: "Spring in Lisbon", Destination: "Lisbon", Origin: "Moscow"}
}

func produce(key string, v any) pipeline.StageFunc {
	return func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
		return pipeline.StageOutput{Artifacts: map[string]any{key: v}}, nil
	}
}

func scoring(scores ...float64) pipeline.StageFunc {
	var mu sync.Mutex
	i := 0
	return func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		s := scores[len(scores)-1]
		if i < len(scores) {
			s = scores[i]
		}
		i++
		return pipeline.StageOutput{
			Artifacts:    map[string]any{"quality_report": s},
			QualityScore: pipeline.Score(s),
			Issues:       []string{"subject too long"},
		}, nil
	}
}

func newCoordinator(t *testing.T, stages ...pipeline.StageDefinition) *pipeline.Coordinator {
	t.Helper()
	c, err := pipeline.NewCoordinator(stages,
		pipeline.WithSleep(noSleep),
		pipeline.WithIDGenerator(func() string { return "wf-1" }))
	require.NoError(t, err)
	return c
}

func countStage(trace []domain.StageExecutionRecord, stage string) int {
	n := 0
	for _, r := range trace {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

func TestRunSucceedsWhenGatePasses(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: produce("content", "copy")},
		pipeline.StageDefinition{Name: "design", Execute: produce("design", "layout")},
		pipeline.StageDefinition{Name: "quality", Gated: true, Threshold: 70, MaxQualityIterations: 3, Execute: scoring(85)},
	)
	r := c.Run(context.Background(), brief())

	require.Equal(t, domain.StatusSucceeded, r.Status)
	assert.Equal(t, "wf-1", r.WorkflowID)
	require.Len(t, r.Trace, 3)
	assert.Equal(t, 0, r.Summary.TotalRetries)
	assert.Nil(t, r.Error)
	last := r.Trace[2]
	require.NotNil(t, last.Gate)
	assert.True(t, last.Gate.Passed)
	assert.Equal(t, 1, last.QualityIteration)
	assert.Equal(t, []string{"content", "design", "quality"}, r.Summary.StagesRun)
	require.NotNil(t, r.Summary.QualityScore)
	assert.Equal(t, 85.0, *r.Summary.QualityScore)
}

func TestRunEscalatesAfterMaxQualityIterations(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: produce("content", "copy")},
		pipeline.StageDefinition{Name: "design", Execute: produce("design", "layout")},
		pipeline.StageDefinition{Name: "quality", Gated: true, Threshold: 70, MaxQualityIterations: 3, Execute: scoring(50)},
	)
	r := c.Run(context.Background(), brief())

	require.Equal(t, domain.StatusFailed, r.Status)
	require.Len(t, r.Trace, 5)
	assert.Equal(t, 1, countStage(r.Trace, "content"))
	assert.Equal(t, 1, countStage(r.Trace, "design"))
	assert.Equal(t, 3, countStage(r.Trace, "quality"))
	for i, rec := range r.Trace[2:] {
		assert.Equal(t, i+1, rec.QualityIteration)
		require.NotNil(t, rec.Gate)
		assert.False(t, rec.Gate.Passed)
		assert.Equal(t, i == 2, rec.Gate.Escalate)
	}
	require.NotNil(t, r.Error)
	assert.Equal(t, pipeline.KindQuality, r.Error.Kind)
	assert.Equal(t, "quality", r.Error.Stage)
	assert.Len(t, r.Context.Feedback("quality"), 2)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	calls := 0
	pricing := func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
		calls++
		if calls <= 2 {
			return pipeline.StageOutput{}, errors.New("connection reset by peer")
		}
		return pipeline.StageOutput{Artifacts: map[string]any{"prices": []float64{120}}}, nil
	}
	var waits []time.Duration
	c, err := pipeline.NewCoordinator([]pipeline.StageDefinition{
		{Name: "pricing", MaxRetries: 3, BackoffBase: 100 * time.Millisecond, Execute: pricing},
		{Name: "design", Execute: produce("design", "layout")},
	}, pipeline.WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	require.NoError(t, err)

	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusSucceeded, r.Status)
	require.Equal(t, 3, countStage(r.Trace, "pricing"))
	assert.False(t, r.Trace[0].Success)
	assert.Equal(t, string(pipeline.KindTransient), r.Trace[0].ErrorKind)
	assert.True(t, r.Trace[2].Success)
	assert.Equal(t, 2, r.Trace[2].Retry)
	assert.Equal(t, "design", r.Trace[3].Stage)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)
	assert.Equal(t, 2, r.Summary.TotalRetries)
}

func TestRunMarksRetriesExhausted(t *testing.T) {
	c := newCoordinator(t, pipeline.StageDefinition{
		Name:       "pricing",
		MaxRetries: 2,
		Execute: func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			return pipeline.StageOutput{}, pipeline.Transient(errors.New("503 service unavailable"))
		},
	})
	r := c.Run(context.Background(), brief())

	require.Equal(t, domain.StatusFailed, r.Status)
	require.Len(t, r.Trace, 3)
	assert.False(t, r.Trace[1].RetriesExhausted)
	assert.True(t, r.Trace[2].RetriesExhausted)
	assert.Equal(t, pipeline.KindTransient, r.Error.Kind)
}

func TestRunDoesNotRetryValidationOrPanics(t *testing.T) {
	for name, fn := range map[string]pipeline.StageFunc{
		"validation": func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			return pipeline.StageOutput{}, pipeline.Validationf("brief: topic is required")
		},
		"panic": func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			panic("boom")
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := newCoordinator(t, pipeline.StageDefinition{Name: "content", MaxRetries: 3, Execute: fn})
			r := c.Run(context.Background(), brief())
			require.Equal(t, domain.StatusFailed, r.Status)
			require.Len(t, r.Trace, 1)
			assert.False(t, r.Trace[0].RetriesExhausted)
		})
	}
}

func TestRunTimesOutSlowAttempts(t *testing.T) {
	c := newCoordinator(t, pipeline.StageDefinition{
		Name:       "design",
		MaxRetries: 1,
		Timeout:    10 * time.Millisecond,
		Execute: func(ctx context.Context, _ *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			<-ctx.Done()
			return pipeline.StageOutput{}, ctx.Err()
		},
	})
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusFailed, r.Status)
	require.Len(t, r.Trace, 2)
	assert.Equal(t, string(pipeline.KindTimeout), r.Trace[0].ErrorKind)
	assert.True(t, r.Trace[1].RetriesExhausted)
}

func TestStagesRunSequentially(t *testing.T) {
	var seen []string
	reader := func(name string, needs ...string) pipeline.StageFunc {
		return func(_ context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			for _, k := range needs {
				if _, ok := wc.Artifact(k); !ok {
					return pipeline.StageOutput{}, pipeline.Validationf("missing %s", k)
				}
			}
			seen = append(seen, name)
			return pipeline.StageOutput{Artifacts: map[string]any{name: name + "-out"}}, nil
		}
	}
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "a", Execute: reader("a")},
		pipeline.StageDefinition{Name: "b", Execute: reader("b", "a")},
		pipeline.StageDefinition{Name: "c", Execute: reader("c", "a", "b")},
	)
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusSucceeded, r.Status)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	for i := 1; i < len(r.Trace); i++ {
		assert.False(t, r.Trace[i].StartedAt.Before(r.Trace[i-1].EndedAt))
	}
}

func TestArtifactsAreAppendOnly(t *testing.T) {
	var atC any
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: produce("content", "original copy")},
		pipeline.StageDefinition{Name: "design", Execute: produce("content", "hijacked")},
	)
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusFailed, r.Status)
	assert.Equal(t, pipeline.KindConflict, r.Error.Kind)
	assert.Equal(t, "original copy", r.Artifacts["content"])

	c = newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: produce("content", "original copy")},
		pipeline.StageDefinition{Name: "design", Execute: produce("design", "layout")},
		pipeline.StageDefinition{Name: "delivery", Execute: func(_ context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			atC, _ = wc.Artifact("content")
			return pipeline.StageOutput{}, nil
		}},
	)
	r = c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusSucceeded, r.Status)
	assert.Equal(t, "original copy", atC)
	e, ok := r.Context.ArtifactEntry("content")
	require.True(t, ok)
	assert.Equal(t, "content", e.Stage)
}

func TestGatedRerunSupersedesOwnArtifacts(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "quality", Gated: true, Threshold: 70, MaxQualityIterations: 3, Execute: scoring(40, 60, 90)},
	)
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusSucceeded, r.Status)
	assert.Equal(t, 90.0, r.Artifacts["quality_report"])
	assert.Len(t, r.Context.Revisions(), 2)
	fb, ok := r.Context.LatestFeedback("quality")
	require.True(t, ok)
	assert.Equal(t, 2, fb.Iteration)
	assert.Equal(t, 60.0, fb.Score)
}

func TestHardFloorEscalatesImmediately(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "quality", Gated: true, Threshold: 70, HardFloor: 30, MaxQualityIterations: 3, Execute: scoring(10)},
		pipeline.StageDefinition{Name: "delivery", Execute: produce("publication", "url")},
	)
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusFailed, r.Status)
	require.Len(t, r.Trace, 1)
	assert.True(t, r.Trace[0].Gate.Escalate)
	assert.NotContains(t, r.Artifacts, "publication")
}

func TestGatedStageWithoutScoreFails(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "quality", Gated: true, Execute: produce("quality_report", "n/a")},
		pipeline.StageDefinition{Name: "delivery", Execute: produce("publication", "url")},
	)
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusFailed, r.Status)
	assert.Equal(t, pipeline.KindQuality, r.Error.Kind)
	assert.Len(t, r.Trace, 1)
}

func TestRunTimesOutStagesThatIgnoreContext(t *testing.T) {
	calls := 0
	c := newCoordinator(t, pipeline.StageDefinition{
		Name:       "pricing",
		MaxRetries: 2,
		Timeout:    10 * time.Millisecond,
		Execute: func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			calls++
			if calls < 3 {
				time.Sleep(40 * time.Millisecond)
			}
			return pipeline.StageOutput{Artifacts: map[string]any{"prices": calls}}, nil
		},
	})
	r := c.Run(context.Background(), brief())
	require.Equal(t, domain.StatusSucceeded, r.Status)
	require.Len(t, r.Trace, 3)
	for _, rec := range r.Trace[:2] {
		assert.False(t, rec.Success)
		assert.Equal(t, string(pipeline.KindTimeout), rec.ErrorKind)
	}
	assert.True(t, r.Trace[2].Success)
	assert.Equal(t, 3, r.Artifacts["prices"])
}

func TestRunCancelledDuringBackoffMarksLastAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := pipeline.NewCoordinator([]pipeline.StageDefinition{{
		Name:       "pricing",
		MaxRetries: 3,
		Execute: func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			return pipeline.StageOutput{}, pipeline.Transient(errors.New("503"))
		},
	}}, pipeline.WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	r := c.Run(ctx, brief())
	require.Equal(t, domain.StatusCancelled, r.Status)
	require.Len(t, r.Trace, 1)
	assert.True(t, r.Trace[0].Cancelled)
	assert.Equal(t, string(pipeline.KindTransient), r.Trace[0].ErrorKind)
	require.NotNil(t, r.Error)
	assert.Equal(t, pipeline.KindCancelled, r.Error.Kind)
}

func TestRunCancelledKeepsPartialArtifacts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: produce("content", "copy")},
		pipeline.StageDefinition{Name: "design", MaxRetries: 3, Execute: func(ctx context.Context, _ *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			cancel()
			<-ctx.Done()
			return pipeline.StageOutput{}, ctx.Err()
		}},
		pipeline.StageDefinition{Name: "delivery", Execute: produce("publication", "url")},
	)
	r := c.Run(ctx, brief())
	require.Equal(t, domain.StatusCancelled, r.Status)
	require.Len(t, r.Trace, 2)
	assert.True(t, r.Trace[1].Cancelled)
	assert.Equal(t, "copy", r.Artifacts["content"])
	assert.NotContains(t, r.Artifacts, "publication")
}

func TestConcurrentWorkflowsAreIsolated(t *testing.T) {
	c := newCoordinator(t,
		pipeline.StageDefinition{Name: "content", Execute: func(_ context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			return pipeline.StageOutput{Artifacts: map[string]any{"content": wc.Brief().Topic}}, nil
		}},
	)
	var wg sync.WaitGroup
	topics := []string{"a", "b", "c", "d", "e", "f"}
	reports := make([]pipeline.Report, len(topics))
	for i, topic := range topics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = c.RunWithID(context.Background(), topic, domain.Brief{Topic: topic})
		}()
	}
	wg.Wait()
	for i, r := range reports {
		assert.Equal(t, topics[i], r.Artifacts["content"])
		assert.Equal(t, topics[i], r.WorkflowID)
	}
}

type recordingObserver struct {
	pipeline.NopObserver
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) WorkflowStarted(context.Context, *pipeline.WorkflowContext) {
	o.add("started")
}

func (o *recordingObserver) AttemptFinished(_ context.Context, _ *pipeline.WorkflowContext, rec domain.StageExecutionRecord) {
	o.add("attempt:" + rec.Stage)
}

func (o *recordingObserver) ArtifactsMerged(_ context.Context, _ *pipeline.WorkflowContext, stage string, _ []string) {
	o.add("merged:" + stage)
}

func (o *recordingObserver) GateEvaluated(_ context.Context, _ *pipeline.WorkflowContext, rec domain.StageExecutionRecord, _ pipeline.Decision) {
	o.add("gate:" + rec.Stage)
}

func (o *recordingObserver) WorkflowFinished(_ context.Context, r pipeline.Report) {
	o.add("finished:" + r.Status)
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	c, err := pipeline.NewCoordinator([]pipeline.StageDefinition{
		{Name: "content", Execute: produce("content", "copy")},
		{Name: "quality", Gated: true, Execute: scoring(95)},
	}, pipeline.WithObserver(obs))
	require.NoError(t, err)
	c.Run(context.Background(), brief())
	assert.Equal(t, []string{
		"started",
		"attempt:content", "merged:content",
		"attempt:quality", "merged:quality", "gate:quality",
		"finished:succeeded",
	}, obs.events)
}

func TestNewCoordinatorRejectsBadDefinitions(t *testing.T) {
	_, err := pipeline.NewCoordinator(nil)
	assert.Error(t, err)
	_, err = pipeline.NewCoordinator([]pipeline.StageDefinition{
		{Name: "a", Execute: produce("a", 1)},
		{Name: "a", Execute: produce("b", 1)},
	})
	assert.ErrorContains(t, err, "duplicate")
	_, err = pipeline.NewCoordinator([]pipeline.StageDefinition{{Name: "a"}})
	assert.Error(t, err)
	_, err = pipeline.NewCoordinator([]pipeline.StageDefinition{{Name: "q", Gated: true, Threshold: 50, HardFloor: 60, Execute: produce("a", 1)}})
	assert.ErrorContains(t, err, "hard floor")
}
