package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

func TestObserverCountsAttemptsAndGates(t *testing.T) {
	m := New()
	calls := 0
	c, err := pipeline.NewCoordinator([]pipeline.StageDefinition{
		{Name: "pricing", MaxRetries: 1, Execute: func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			calls++
			if calls == 1 {
				return pipeline.StageOutput{}, pipeline.Transient(io.ErrUnexpectedEOF)
			}
			return pipeline.StageOutput{}, nil
		}},
		{Name: "quality", Gated: true, Execute: func(context.Context, *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			return pipeline.StageOutput{QualityScore: pipeline.Score(90)}, nil
		}},
	}, pipeline.WithObserver(m), pipeline.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	r := c.Run(context.Background(), domain.Brief{Topic: "t"})
	require.Equal(t, domain.StatusSucceeded, r.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("pricing", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("pricing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("quality", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Workflows.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "campaignflow_stage_attempts_total")
}
