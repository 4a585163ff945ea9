package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
	"github.com/chain-sleuth/sleuth/internal/infra/queue"
)

// processAccount runs one attempt of an investigation. It is safe to run
// more than once for the same task: a terminal task is left alone and an
// analysis that was already started is resumed, not restarted.
func (e *Engine) processAccount(ctx context.Context, job *domain.Job) error {
	var p processPayload
	if err := queue.Decode(job, &p); err != nil {
		return err
	}

	task, err := e.tasks.GetTask(ctx, p.TaskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		log.Printf("[pipeline] task=%s already %s, skipping", task.ID, task.Status)
		return nil
	}

	state, err := e.workflows.GetWorkflow(ctx, p.RequestID)
	if errors.Is(err, domain.ErrWorkflowNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	// A redelivery after the result was recorded only has to finish up.
	if state.Completed() {
		var report domain.AnalysisReport
		if err := json.Unmarshal(state.AnalysisResult, &report); err != nil {
			return queue.Permanent(fmt.Errorf("decode recorded result: %w", err))
		}
		return e.finish(ctx, task.ID, state, &report, state.AnalysisResult)
	}

	e.progress(ctx, task.ID, 0, fmt.Sprintf("Starting analysis (attempt %d/%d)", job.Attempt, job.MaxAttempts))

	analysisID, err := e.ProcessAnalysis(ctx, state, p.Force)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowExhausted) || state.Exhausted() {
			return queue.Permanent(err)
		}
		return err
	}
	log.Printf("[pipeline] task=%s request=%s analysis=%s polling", task.ID, state.RequestID, analysisID)
	e.progress(ctx, task.ID, 5, "Analysis started")

	// The timeout runs from when the analysis started, across redeliveries.
	remaining := e.timeout
	if !state.AnalysisStartedAt.IsZero() {
		remaining -= e.now().Sub(state.AnalysisStartedAt)
	}
	if remaining <= 0 {
		return queue.Permanent(domain.Timeout("analysis", fmt.Errorf("%w after %s", domain.ErrAnalysisTimeout, e.timeout)))
	}

	final, err := e.analysis.WaitForCompletion(ctx, analysisID, e.pollInterval, remaining, func(s domain.AnalysisStatus) {
		step := s.CurrentStep
		if step == "" {
			step = "Analyzing"
		}
		e.progress(ctx, task.ID, min(s.Progress, 99), step)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAnalysisTimeout) || errors.Is(err, domain.ErrAnalysisFailed) {
			return queue.Permanent(err)
		}
		return err
	}
	log.Printf("[pipeline] task=%s analysis=%s finished status=%s", task.ID, analysisID, final.Status)

	e.progress(ctx, task.ID, 99, "Fetching results")
	report, err := e.analysis.FetchResult(ctx, p.AccountID)
	if err != nil {
		return err
	}
	result, err := json.Marshal(report)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode result: %w", err))
	}

	state.Stage = domain.StageCompletion
	state.AnalysisResult = result
	state.CompletedAt = e.now()
	if err := e.workflows.SaveWorkflow(ctx, state); err != nil {
		return err
	}
	return e.finish(ctx, task.ID, state, report, result)
}

// finish hands the completion update to the dispatcher and only then marks
// the task complete. A failed hand-off returns the error so the job is
// retried while the task is still processing.
func (e *Engine) finish(ctx context.Context, taskID string, state *domain.WorkflowState, report *domain.AnalysisReport, result []byte) error {
	if _, err := e.HandleWebhookUpdate(ctx, taskID, domain.CompletionEvent{Result: report.Result}); err != nil {
		return fmt.Errorf("completion notify: %w", err)
	}

	if _, err := e.tasks.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:      domain.StatusPtr(domain.TaskComplete),
		Progress:    domain.IntPtr(100),
		CurrentStep: domain.StringPtr("Complete"),
		Result:      result,
	}); err != nil {
		return err
	}
	metrics.TasksFinished.WithLabelValues(string(domain.TaskComplete)).Inc()
	log.Printf("[pipeline] task=%s request=%s complete", taskID, state.RequestID)
	return nil
}

// processExhausted runs once the queue gives up on an investigation: the
// task fails, the workflow is marked permanently failed with the last error,
// and an error update is delivered.
func (e *Engine) processExhausted(ctx context.Context, job *domain.Job, cause error) {
	var p processPayload
	if queue.Decode(job, &p) != nil {
		return
	}
	msg := "investigation failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}

	if _, err := e.tasks.UpdateTask(ctx, p.TaskID, domain.TaskUpdate{
		Status:      domain.StatusPtr(domain.TaskFailed),
		CurrentStep: domain.StringPtr("Failed"),
		Error:       &msg,
	}); err != nil {
		// Already terminal means another path settled it.
		if !errors.Is(err, domain.ErrInvalidTransition) {
			log.Printf("[pipeline] task=%s mark failed: %v", p.TaskID, err)
		}
		return
	}
	metrics.TasksFinished.WithLabelValues(string(domain.TaskFailed)).Inc()
	log.Printf("[pipeline] task=%s failed: %s", p.TaskID, msg)

	if state, err := e.workflows.GetWorkflow(ctx, p.RequestID); err == nil {
		state.Error = msg
		state.Attempts = max(state.Attempts, e.maxAttempts)
		if err := e.workflows.SaveWorkflow(ctx, state); err != nil {
			log.Printf("[pipeline] request=%s save failure: %v", state.RequestID, err)
		}
	}

	if _, err := e.HandleWebhookUpdate(ctx, p.TaskID, domain.ErrorEvent{Message: msg}); err != nil {
		log.Printf("[pipeline] task=%s error notify: %v", p.TaskID, err)
	}
}

// progress records a non-terminal step. Failures are logged; the task store
// keeps progress monotonic so late or repeated calls are harmless.
func (e *Engine) progress(ctx context.Context, taskID string, pct int, step string) {
	if _, err := e.tasks.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:      domain.StatusPtr(domain.TaskProcessing),
		Progress:    &pct,
		CurrentStep: &step,
	}); err != nil && ctx.Err() == nil {
		log.Printf("[pipeline] task=%s progress: %v", taskID, err)
	}
}
