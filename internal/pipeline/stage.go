package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultThreshold            = 70.0
	DefaultMaxQualityIterations = 3
	DefaultBackoffMax           = 30 * time.Second
)

// StageFunc is the unit of work of a specialist stage. It reads prior artifacts
// from wc and returns the artifacts it produced. Returned errors are converted
// into a failed StageResult by the executor.
type StageFunc func(ctx context.Context, wc *WorkflowContext) (StageOutput, error)

// StageOutput is what a StageFunc hands back on success.
type StageOutput struct {
	Artifacts       map[string]any
	QualityScore    *float64
	Issues          []string
	Recommendations []string
}

// StageDefinition is the static configuration of one pipeline stage.
type StageDefinition struct {
	Name        string
	Gated       bool
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt deadline.
	Timeout time.Duration

	Threshold            float64
	MaxQualityIterations int
	// HardFloor escalates immediately when a score falls below it. Zero disables it.
	HardFloor float64

	// Validate checks the stage's input contract before Execute runs.
	Validate func(wc *WorkflowContext) error
	Execute  StageFunc
}

// RetryPolicy returns the retry parameters of the stage.
func (d StageDefinition) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  d.MaxRetries,
		BackoffBase: d.BackoffBase,
		BackoffMax:  d.BackoffMax,
	}
}

// QualityGate returns the gate parameters of the stage with defaults applied.
// A zero Threshold selects DefaultThreshold.
func (d StageDefinition) QualityGate() QualityGate {
	g := QualityGate{
		Threshold:     d.Threshold,
		MaxIterations: d.MaxQualityIterations,
		HardFloor:     d.HardFloor,
	}
	if g.Threshold == 0 {
		g.Threshold = DefaultThreshold
	}
	if g.MaxIterations <= 0 {
		g.MaxIterations = DefaultMaxQualityIterations
	}
	return g
}

func (d StageDefinition) validate() error {
	if d.Name == "" {
		return errors.New("stage name is required")
	}
	if d.Execute == nil {
		return fmt.Errorf("stage %s: execute is required", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("stage %s: max retries must be >= 0", d.Name)
	}
	if d.Gated {
		g := d.QualityGate()
		if g.Threshold < 0 || g.Threshold > 100 {
			return fmt.Errorf("stage %s: threshold must be within [0,100]", d.Name)
		}
		if g.HardFloor < 0 || g.HardFloor > g.Threshold {
			return fmt.Errorf("stage %s: hard floor must be within [0,threshold]", d.Name)
		}
	}
	return nil
}

// StageResult is the outcome of one stage attempt, or of a whole retry loop.
type StageResult struct {
	Success          bool
	Artifacts        map[string]any
	QualityScore     *float64
	Issues           []string
	Recommendations  []string
	Err              *StageError
	RetriesExhausted bool
	// Attempts is the number of attempts the retry policy made.
	Attempts int
}

// Score returns a pointer to v, for building StageOutput values.
func Score(v float64) *float64 { return &v }
