package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaignflow/internal/campaign"
	"campaignflow/internal/config"
	"campaignflow/internal/domain"
	"campaignflow/internal/events"
	"campaignflow/internal/metrics"
	"campaignflow/internal/pipeline"
	"campaignflow/internal/repo"
)

var (
	// ErrNotRunning is returned when cancelling a workflow this process is not executing.
	ErrNotRunning = errors.New("workflow is not running")
	ErrNotFound   = repo.ErrNotFound
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Logger  *zap.Logger
	Deps    campaign.Deps
	Metrics *metrics.Metrics
	// Sleep overrides the retry backoff wait; nil uses a real timer.
	Sleep pipeline.SleepFunc

	runs *runs
}

// runs tracks background workflows started through Submit.
type runs struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, deps campaign.Deps) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: zap.NewNop(),
		Deps:   deps,
		runs:   &runs{cancels: map[string]context.CancelFunc{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) coordinator(p *persister) (*pipeline.Coordinator, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	deps := e.Deps
	if deps.Now == nil {
		deps.Now = e.now
	}
	defs, err := campaign.Pipeline(e.Config, deps)
	if err != nil {
		return nil, err
	}
	observers := []pipeline.Observer{p}
	if e.Metrics != nil {
		observers = append(observers, e.Metrics)
	}
	opts := []pipeline.Option{
		pipeline.WithObserver(observers...),
		pipeline.WithLogger(e.logger()),
		pipeline.WithClock(e.now),
	}
	if e.Sleep != nil {
		opts = append(opts, pipeline.WithSleep(e.Sleep))
	}
	return pipeline.NewCoordinator(defs, opts...)
}

// createWorkflow stores the pending workflow row.
func (e Engine) createWorkflow(ctx context.Context, id string, brief domain.Brief, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return e.Repo.InsertWorkflow(ctx, nil, domain.Workflow{
		ID:        id,
		Status:    domain.StatusPending,
		Brief:     brief,
		ActorID:   actorID,
		StartedAt: e.now().UTC().Format(time.RFC3339Nano),
	})
}

func (e Engine) run(ctx context.Context, id string, brief domain.Brief, actorID string) (pipeline.Report, error) {
	p := &persister{e: e, actorID: actorID}
	coord, err := e.coordinator(p)
	if err != nil {
		finished := e.now().UTC().Format(time.RFC3339Nano)
		if ferr := e.Repo.FinishWorkflow(context.WithoutCancel(ctx), nil, id, domain.StatusFailed, finished, err.Error(), nil, ""); ferr != nil {
			e.logger().Error("record setup failure", zap.String("workflow_id", id), zap.Error(ferr))
		}
		return pipeline.Report{}, fmt.Errorf("build pipeline: %w", err)
	}
	report := coord.RunWithID(ctx, id, brief)
	return report, p.Err()
}

// RunCampaign executes a workflow synchronously and persists its trace,
// artifacts and events. The report is valid even when err reports a
// persistence failure.
func (e Engine) RunCampaign(ctx context.Context, brief domain.Brief, actorID string) (pipeline.Report, error) {
	id := uuid.NewString()
	if err := e.createWorkflow(ctx, id, brief, actorID); err != nil {
		return pipeline.Report{}, fmt.Errorf("insert workflow: %w", err)
	}
	return e.run(ctx, id, brief, actorID)
}

// Submit starts a workflow in the background and returns its ID. The run is
// detached from ctx cancellation; use CancelWorkflow to stop it.
func (e Engine) Submit(ctx context.Context, brief domain.Brief, actorID string) (string, error) {
	if e.runs == nil {
		return "", errors.New("engine not initialised with New")
	}
	id := uuid.NewString()
	if err := e.createWorkflow(ctx, id, brief, actorID); err != nil {
		return "", fmt.Errorf("insert workflow: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runs.mu.Lock()
	e.runs.cancels[id] = cancel
	e.runs.mu.Unlock()
	e.runs.wg.Add(1)
	go func() {
		defer e.runs.wg.Done()
		defer func() {
			e.runs.mu.Lock()
			delete(e.runs.cancels, id)
			e.runs.mu.Unlock()
			cancel()
		}()
		report, err := e.run(runCtx, id, brief, actorID)
		if err != nil {
			e.logger().Error("background workflow", zap.String("workflow_id", id), zap.Error(err))
			return
		}
		e.logger().Info("background workflow finished", zap.String("workflow_id", id), zap.String("status", report.Status))
	}()
	return id, nil
}

// Wait blocks until every background workflow has finished or ctx is done.
func (e Engine) Wait(ctx context.Context) error {
	if e.runs == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.runs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll cancels every background workflow.
func (e Engine) CancelAll() {
	if e.runs == nil {
		return
	}
	e.runs.mu.Lock()
	defer e.runs.mu.Unlock()
	for _, cancel := range e.runs.cancels {
		cancel()
	}
}

// CancelWorkflow cancels a background workflow. Cancellation is asynchronous:
// the workflow reaches the cancelled status once the in-flight attempt returns.
func (e Engine) CancelWorkflow(ctx context.Context, id string) error {
	if e.runs != nil {
		e.runs.mu.Lock()
		cancel, ok := e.runs.cancels[id]
		e.runs.mu.Unlock()
		if ok {
			cancel()
			return nil
		}
	}
	if _, err := e.Repo.GetWorkflow(ctx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// RecoverInterrupted fails workflows a previous process left unfinished.
func (e Engine) RecoverInterrupted(ctx context.Context) (int64, error) {
	return e.Repo.MarkInterrupted(ctx, e.now().UTC().Format(time.RFC3339Nano))
}

func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, id)
}

func (e Engine) ListWorkflows(ctx context.Context, f repo.WorkflowFilters) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, f)
}

// Trace returns the stored attempts of a workflow in execution order.
func (e Engine) Trace(ctx context.Context, id string) ([]domain.StageExecutionRecord, error) {
	if _, err := e.Repo.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	recs, err := e.Repo.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.StageExecutionRecord{}
	}
	return recs, nil
}

func (e Engine) Artifacts(ctx context.Context, id string) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	arts, err := e.Repo.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	if arts == nil {
		arts = []domain.Artifact{}
	}
	return arts, nil
}

// CreateAPIKey issues a new key for actorID. The plain secret is only returned here.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := "cf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, createdBy, events.EventPayload{"actor_id": actorID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// DeleteAPIKey removes key id on behalf of actorID. A non-empty owner limits
// the delete to that actor's keys.
func (e Engine) DeleteAPIKey(ctx context.Context, id, owner, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id, owner); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyDeleted, "", "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// persister mirrors coordinator callbacks into the database. Writes use a
// context detached from cancellation so a cancelled run is still recorded.
type persister struct {
	pipeline.NopObserver
	e       Engine
	actorID string

	mu  sync.Mutex
	err error
}

func (p *persister) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *persister) fail(op string, err error) {
	if err == nil {
		return
	}
	p.e.logger().Error("persist workflow state", zap.String("op", op), zap.Error(err))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", op, err)
	}
}

func (p *persister) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := p.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *persister) WorkflowStarted(ctx context.Context, wc *pipeline.WorkflowContext) {
	p.fail("workflow started", p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := p.e.Repo.UpdateWorkflowStatus(ctx, tx, wc.ID(), domain.StatusRunning); err != nil {
			return err
		}
		return p.e.Events.Append(ctx, tx, events.WorkflowStarted, wc.ID(), "workflow", wc.ID(), p.actorID, events.EventPayload{
			"topic":       wc.Brief().Topic,
			"destination": wc.Brief().Destination,
		})
	}))
}

func (p *persister) AttemptFinished(ctx context.Context, wc *pipeline.WorkflowContext, rec domain.StageExecutionRecord) {
	p.fail("attempt finished", p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := p.e.Repo.InsertAttempt(ctx, tx, rec); err != nil {
			return err
		}
		payload := events.EventPayload{
			"stage":    rec.Stage,
			"sequence": rec.Sequence,
			"retry":    rec.Retry,
			"success":  rec.Success,
		}
		if rec.ErrorKind != "" {
			payload["error_kind"] = rec.ErrorKind
		}
		if rec.QualityScore != nil {
			payload["quality_score"] = *rec.QualityScore
		}
		return p.e.Events.Append(ctx, tx, events.StageAttempt, wc.ID(), "stage_attempt", rec.ID, p.actorID, payload)
	}))
}

func (p *persister) ArtifactsMerged(ctx context.Context, wc *pipeline.WorkflowContext, stage string, keys []string) {
	now := p.e.now().UTC().Format(time.RFC3339Nano)
	p.fail("artifacts merged", p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, key := range keys {
			a, ok := wc.ArtifactEntry(key)
			if !ok {
				continue
			}
			data, err := json.Marshal(a.Value)
			if err != nil {
				return fmt.Errorf("encode artifact %s: %w", key, err)
			}
			if err := p.e.Repo.UpsertArtifact(ctx, tx, domain.Artifact{
				WorkflowID: wc.ID(),
				Key:        key,
				Stage:      a.Stage,
				Attempt:    a.Attempt,
				ValueJSON:  string(data),
				UpdatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (p *persister) GateEvaluated(ctx context.Context, wc *pipeline.WorkflowContext, rec domain.StageExecutionRecord, d pipeline.Decision) {
	p.fail("gate evaluated", p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := p.e.Repo.UpdateAttemptGate(ctx, tx, rec.ID, rec.Gate); err != nil {
			return err
		}
		return p.e.Events.Append(ctx, tx, events.QualityEvaluated, wc.ID(), "stage_attempt", rec.ID, p.actorID, events.EventPayload{
			"stage":     rec.Stage,
			"score":     d.Score,
			"threshold": d.Threshold,
			"iteration": d.Iteration,
			"passed":    d.Passed,
			"escalate":  d.Escalate,
			"reason":    d.Reason,
		})
	}))
}

func (p *persister) WorkflowFinished(ctx context.Context, r pipeline.Report) {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		p.fail("encode summary", err)
		return
	}
	errMsg := ""
	payload := events.EventPayload{
		"stages_run":     r.Summary.StagesRun,
		"total_attempts": r.Summary.TotalAttempts,
		"duration_ms":    r.Summary.DurationMS,
	}
	if r.Error != nil {
		errMsg = r.Error.Error()
		payload["error_kind"] = string(r.Error.Kind)
		payload["stage"] = r.Error.Stage
	}
	finished := r.Summary.FinishedAt.UTC().Format(time.RFC3339Nano)
	p.fail("workflow finished", p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := p.e.Repo.FinishWorkflow(ctx, tx, r.WorkflowID, r.Status, finished, errMsg, r.Summary.QualityScore, string(summary)); err != nil {
			return err
		}
		if n := len(r.Trace); n > 0 && r.Trace[n-1].Cancelled {
			if err := p.e.Repo.MarkAttemptCancelled(ctx, tx, r.Trace[n-1].ID); err != nil {
				return err
			}
		}
		return p.e.Events.Append(ctx, tx, events.Finished(r.Status), r.WorkflowID, "workflow", r.WorkflowID, p.actorID, payload)
	}))
}
