package pipeline

import (
	"time"

	"campaignflow/internal/domain"
)

// Report is the only value that leaves the coordinator.
type Report struct {
	WorkflowID string                        `json:"workflow_id"`
	Status     string                        `json:"status" enum:"succeeded,failed,cancelled"`
	Brief      domain.Brief                  `json:"brief"`
	Artifacts  map[string]any                `json:"artifacts"`
	Trace      []domain.StageExecutionRecord `json:"trace"`
	Summary    Summary                       `json:"summary"`
	Error      *StageError                   `json:"error,omitempty"`

	// Context is the full context of the run, kept for diagnostics.
	Context *WorkflowContext `json:"-"`
}

func (r Report) Succeeded() bool { return r.Status == domain.StatusSucceeded }

type StageSummary struct {
	Name              string   `json:"name"`
	Attempts          int      `json:"attempts"`
	Retries           int      `json:"retries"`
	QualityIterations int      `json:"quality_iterations,omitempty"`
	DurationMS        int64    `json:"duration_ms"`
	Success           bool     `json:"success"`
	QualityScore      *float64 `json:"quality_score,omitempty"`
}

type Summary struct {
	StagesRun      []string       `json:"stages_run"`
	Stages         []StageSummary `json:"stages"`
	TotalAttempts  int            `json:"total_attempts"`
	TotalRetries   int            `json:"total_retries"`
	QualityScore   *float64       `json:"quality_score,omitempty"`
	IssuesResolved int            `json:"issues_resolved"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	DurationMS     int64          `json:"duration_ms"`
}

// summarize folds the trace into per-stage totals. finalIssues holds the issues
// reported by each gated stage's last attempt.
func summarize(wc *WorkflowContext, trace []domain.StageExecutionRecord, finalIssues map[string][]string, finished time.Time) Summary {
	s := Summary{
		StagesRun:  []string{},
		Stages:     []StageSummary{},
		StartedAt:  wc.StartedAt(),
		FinishedAt: finished,
		DurationMS: finished.Sub(wc.StartedAt()).Milliseconds(),
	}
	index := map[string]int{}
	for _, rec := range trace {
		i, ok := index[rec.Stage]
		if !ok {
			i = len(s.Stages)
			index[rec.Stage] = i
			s.Stages = append(s.Stages, StageSummary{Name: rec.Stage})
			s.StagesRun = append(s.StagesRun, rec.Stage)
		}
		st := &s.Stages[i]
		st.Attempts++
		if rec.Retry > 0 {
			st.Retries++
			s.TotalRetries++
		}
		if rec.QualityIteration > st.QualityIterations {
			st.QualityIterations = rec.QualityIteration
		}
		st.DurationMS += rec.Duration().Milliseconds()
		st.Success = rec.Success && (rec.Gate == nil || rec.Gate.Passed)
		if rec.QualityScore != nil {
			st.QualityScore = rec.QualityScore
			s.QualityScore = rec.QualityScore
		}
		s.TotalAttempts++
	}
	for stage, final := range finalIssues {
		remaining := make(map[string]struct{}, len(final))
		for _, is := range final {
			remaining[is] = struct{}{}
		}
		seen := map[string]struct{}{}
		for _, fb := range wc.Feedback(stage) {
			for _, is := range fb.Issues {
				if _, dup := seen[is]; dup {
					continue
				}
				seen[is] = struct{}{}
				if _, open := remaining[is]; !open {
					s.IssuesResolved++
				}
			}
		}
	}
	return s
}
