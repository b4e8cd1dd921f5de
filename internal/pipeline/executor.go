package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Executor runs exactly one attempt of a stage. It knows nothing about retries
// or gating.
type Executor struct{}

// Execute runs def against wc and converts every failure mode (returned error,
// panic, deadline, invalid score) into a failed StageResult.
func (Executor) Execute(ctx context.Context, def StageDefinition, wc *WorkflowContext) (res StageResult) {
	if err := ctx.Err(); err != nil {
		return failed(def.Name, KindCancelled, err)
	}
	attemptCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = failed(def.Name, KindInternal, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if def.Validate != nil {
		if err := def.Validate(wc); err != nil {
			return failed(def.Name, KindValidation, err)
		}
	}

	out, err := def.Execute(attemptCtx, wc)
	if err != nil {
		return failed(def.Name, kindFor(ctx, attemptCtx, err), err)
	}
	// A stage that ignores ctx may still return after its deadline; its output
	// is discarded.
	if attemptCtx.Err() != nil && ctx.Err() == nil {
		return failed(def.Name, KindTimeout, fmt.Errorf("attempt exceeded %s: %w", def.Timeout, context.DeadlineExceeded))
	}
	if def.Gated {
		if out.QualityScore == nil {
			return failed(def.Name, KindQuality, errors.New("gated stage returned no quality score"))
		}
		if s := *out.QualityScore; s < 0 || s > 100 {
			return failed(def.Name, KindQuality, fmt.Errorf("quality score %.2f outside [0,100]", s))
		}
	}
	return StageResult{
		Success:         true,
		Artifacts:       out.Artifacts,
		QualityScore:    out.QualityScore,
		Issues:          out.Issues,
		Recommendations: out.Recommendations,
	}
}

// kindFor distinguishes a caller cancellation from an attempt deadline.
func kindFor(parent, attempt context.Context, err error) ErrorKind {
	if parent.Err() != nil {
		return KindCancelled
	}
	if attempt.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	kind := Classify(err)
	if kind == KindCancelled {
		// a collaborator cancelled its own call; not the caller
		return KindTransient
	}
	return kind
}

func failed(stage string, kind ErrorKind, err error) StageResult {
	return StageResult{Err: newStageError(stage, kind, err)}
}
