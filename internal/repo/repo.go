package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const workflowColumns = `id,status,brief_json,actor_id,started_at,finished_at,error,quality_score,summary_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var (
		w        domain.Workflow
		brief    string
		finished sql.NullString
		score    sql.NullFloat64
		summary  sql.NullString
	)
	if err := row.Scan(&w.ID, &w.Status, &brief, &w.ActorID, &w.StartedAt, &finished, &w.Error, &score, &summary); err != nil {
		if err == sql.ErrNoRows {
			return w, ErrNotFound
		}
		return w, err
	}
	if err := json.Unmarshal([]byte(brief), &w.Brief); err != nil {
		return w, fmt.Errorf("decode brief of %s: %w", w.ID, err)
	}
	if finished.Valid {
		w.FinishedAt = &finished.String
	}
	if score.Valid {
		w.QualityScore = &score.Float64
	}
	if summary.Valid {
		w.SummaryJSON = &summary.String
	}
	return w, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	brief, err := json.Marshal(w.Brief)
	if err != nil {
		return fmt.Errorf("encode brief: %w", err)
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO workflows(id,status,brief_json,actor_id,started_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Status, string(brief), w.ActorID, w.StartedAt)
	return err
}

func (r Repo) UpdateWorkflowStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE workflows SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishWorkflow stores the terminal status and summary of a run.
func (r Repo) FinishWorkflow(ctx context.Context, tx *sql.Tx, id, status, finishedAt, errMsg string, score *float64, summaryJSON string) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE workflows SET status=?, finished_at=?, error=?, quality_score=?, summary_json=? WHERE id=?`,
		status, finishedAt, errMsg, nullableFloat(score), nullable(summaryJSON), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInterrupted fails workflows left pending or running by a previous process.
func (r Repo) MarkInterrupted(ctx context.Context, finishedAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET status=?, finished_at=?, error=? WHERE status IN (?,?)`,
		domain.StatusFailed, finishedAt, "interrupted: process exited before the workflow finished", domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

type WorkflowFilters struct {
	Status          string
	ActorID         string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

// ListWorkflows returns workflows newest first, paging on (started_at, id).
func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkflowsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, rec domain.StageExecutionRecord) error {
	gate, err := encodeGate(rec.Gate)
	if err != nil {
		return err
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO stage_attempts(id,workflow_id,stage,sequence,retry,quality_iteration,started_at,ended_at,success,error_kind,error,quality_score,retries_exhausted,cancelled,gate_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.WorkflowID, rec.Stage, rec.Sequence, rec.Retry, rec.QualityIteration,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), boolInt(rec.Success), rec.ErrorKind, rec.Error,
		nullableFloat(rec.QualityScore), boolInt(rec.RetriesExhausted), boolInt(rec.Cancelled), gate)
	return err
}

// UpdateAttemptGate attaches a quality gate outcome to a stored attempt.
func (r Repo) UpdateAttemptGate(ctx context.Context, tx *sql.Tx, id string, gate *domain.GateOutcome) error {
	data, err := encodeGate(gate)
	if err != nil {
		return err
	}
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE stage_attempts SET gate_json=? WHERE id=?`, data, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAttemptCancelled flags an already recorded attempt as the one a
// cancellation interrupted.
func (r Repo) MarkAttemptCancelled(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE stage_attempts SET cancelled=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttempts returns the trace of a workflow in execution order.
func (r Repo) ListAttempts(ctx context.Context, workflowID string) ([]domain.StageExecutionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,stage,sequence,retry,quality_iteration,started_at,ended_at,success,error_kind,error,quality_score,retries_exhausted,cancelled,gate_json
FROM stage_attempts WHERE workflow_id=? ORDER BY sequence ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageExecutionRecord
	for rows.Next() {
		var (
			rec                        domain.StageExecutionRecord
			started, ended             string
			success, exhausted, cancel int
			score                      sql.NullFloat64
			gate                       sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.Stage, &rec.Sequence, &rec.Retry, &rec.QualityIteration,
			&started, &ended, &success, &rec.ErrorKind, &rec.Error, &score, &exhausted, &cancel, &gate); err != nil {
			return nil, err
		}
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended)
		rec.Success = success == 1
		rec.RetriesExhausted = exhausted == 1
		rec.Cancelled = cancel == 1
		if score.Valid {
			rec.QualityScore = &score.Float64
		}
		if gate.Valid && gate.String != "" {
			var g domain.GateOutcome
			if err := json.Unmarshal([]byte(gate.String), &g); err != nil {
				return nil, fmt.Errorf("decode gate of %s: %w", rec.ID, err)
			}
			rec.Gate = &g
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertArtifact stores the current value of an artifact key.
func (r Repo) UpsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO artifacts(workflow_id,key,stage,attempt,value_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(workflow_id,key) DO UPDATE SET stage=excluded.stage, attempt=excluded.attempt, value_json=excluded.value_json, updated_at=excluded.updated_at`,
		a.WorkflowID, a.Key, a.Stage, a.Attempt, a.ValueJSON, a.UpdatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, workflowID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id,key,stage,attempt,value_json,updated_at FROM artifacts WHERE workflow_id=? ORDER BY updated_at ASC, key ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.WorkflowID, &a.Key, &a.Stage, &a.Attempt, &a.ValueJSON, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Limit      int
	Cursor     int64
	WorkflowID string
	Type       string
	EntityKind string
}

const eventColumns = `id,ts,type,COALESCE(workflow_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// LatestEvents returns events newest first; Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkflowID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func encodeGate(g *domain.GateOutcome) (any, error) {
	if g == nil {
		return nil, nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode gate: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
