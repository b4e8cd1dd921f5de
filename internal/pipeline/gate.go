package pipeline

import "fmt"

// QualityGate turns a quality score into a pipeline decision.
type QualityGate struct {
	Threshold     float64
	MaxIterations int
	HardFloor     float64
}

// Decision is the result of evaluating one quality score.
type Decision struct {
	Passed           bool    `json:"passed"`
	ShouldRetryStage bool    `json:"should_retry_stage"`
	Escalate         bool    `json:"escalate"`
	Score            float64 `json:"score"`
	Threshold        float64 `json:"threshold"`
	Iteration        int     `json:"iteration"`
	Reason           string  `json:"reason"`
}

// Evaluate judges score for the given 1-based iteration. It is a pure function
// of its inputs and the gate parameters.
func (g QualityGate) Evaluate(score float64, iteration int) Decision {
	limit := g.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxQualityIterations
	}
	d := Decision{Score: score, Threshold: g.Threshold, Iteration: iteration}
	switch {
	case score >= g.Threshold:
		d.Passed = true
		d.Reason = fmt.Sprintf("score %.1f meets threshold %.1f", score, g.Threshold)
	case g.HardFloor > 0 && score < g.HardFloor:
		d.Escalate = true
		d.Reason = fmt.Sprintf("score %.1f below hard floor %.1f", score, g.HardFloor)
	case iteration < limit:
		d.ShouldRetryStage = true
		d.Reason = fmt.Sprintf("score %.1f below threshold %.1f (iteration %d of %d)", score, g.Threshold, iteration, limit)
	default:
		d.Escalate = true
		d.Reason = fmt.Sprintf("score %.1f below threshold %.1f after %d iterations", score, g.Threshold, iteration)
	}
	return d
}
