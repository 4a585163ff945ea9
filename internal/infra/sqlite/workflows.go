package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Workflow Repository ────────────────────────────────────────────────────

const workflowColumns = `request_id, target_account, token_id, task_id, stage, analysis_task_id, attempts, error, analysis_result, started_at, analysis_started_at, updated_at, completed_at`

// SaveWorkflow upserts w and stamps its UpdatedAt.
func (d *DB) SaveWorkflow(ctx context.Context, w *domain.WorkflowState) error {
	w.UpdatedAt = d.now()
	if w.StartedAt.IsZero() {
		w.StartedAt = w.UpdatedAt
	}
	var result sql.NullString
	if len(w.AnalysisResult) > 0 {
		result = sql.NullString{String: string(w.AnalysisResult), Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
			task_id=excluded.task_id,
			stage=excluded.stage,
			analysis_task_id=excluded.analysis_task_id,
			attempts=excluded.attempts,
			error=excluded.error,
			analysis_result=excluded.analysis_result,
			analysis_started_at=excluded.analysis_started_at,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at`,
		w.RequestID, w.TargetAccount, w.TokenID, w.TaskID, string(w.Stage), w.AnalysisTaskID,
		w.Attempts, w.Error, result, unixMilli(w.StartedAt), nullableMilli(w.AnalysisStartedAt),
		unixMilli(w.UpdatedAt), nullableMilli(w.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.RequestID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by request ID.
func (d *DB) GetWorkflow(ctx context.Context, requestID string) (*domain.WorkflowState, error) {
	return scanWorkflow(d.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE request_id = ?`, requestID))
}

// FindWorkflowByTask looks a workflow up by local or analysis task ID.
func (d *DB) FindWorkflowByTask(ctx context.Context, taskID string) (*domain.WorkflowState, error) {
	return scanWorkflow(d.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE task_id = ? OR (analysis_task_id != '' AND analysis_task_id = ?)
		 ORDER BY started_at DESC LIMIT 1`, taskID, taskID))
}

func scanWorkflow(s scanner) (*domain.WorkflowState, error) {
	var (
		w                    domain.WorkflowState
		stage                string
		result               sql.NullString
		startedAt, updatedAt int64
		analysisStarted      sql.NullInt64
		completedAt          sql.NullInt64
	)
	err := s.Scan(&w.RequestID, &w.TargetAccount, &w.TokenID, &w.TaskID, &stage, &w.AnalysisTaskID,
		&w.Attempts, &w.Error, &result, &startedAt, &analysisStarted, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	w.Stage = domain.Stage(stage)
	if result.Valid {
		w.AnalysisResult = []byte(result.String)
	}
	w.StartedAt = fromMilli(startedAt)
	w.AnalysisStartedAt = fromNullMilli(analysisStarted)
	w.UpdatedAt = fromMilli(updatedAt)
	w.CompletedAt = fromNullMilli(completedAt)
	return &w, nil
}
