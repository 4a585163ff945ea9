// Package workflow drives investigations through their stages: it starts
// deduplicated background jobs, talks to the analysis service and turns
// analysis updates into contract metadata deliveries.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chain-sleuth/sleuth/internal/app/webhook"
	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
	"github.com/chain-sleuth/sleuth/internal/infra/queue"
)

const (
	// JobType is the queue job type that runs one investigation.
	JobType = "process-account"

	// DefaultPollInterval is how often a running analysis is polled.
	DefaultPollInterval = 5 * time.Second
	// DefaultTimeout is the ceiling on one analysis run.
	DefaultTimeout = 15 * time.Minute
)

// JobQueue is the part of queue.Queue the engine uses.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.Option) (string, error)
	Handle(jobType string, h queue.HandlerFunc)
	OnExhausted(jobType string, f queue.ExhaustedFunc)
}

// Notifier hands metadata updates to the webhook dispatcher.
type Notifier interface {
	AddToQueue(ctx context.Context, n webhook.Notification) (string, error)
}

// Config wires an Engine. Every dependency is injected.
type Config struct {
	Tasks     domain.TaskStore
	Workflows domain.WorkflowStore
	Accounts  domain.AccountStore
	Analysis  domain.AnalysisService
	Notifier  Notifier
	Queue     JobQueue

	PollInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	Requester    string // recorded as the requester in contract metadata
	StatusPath   string // prefix for status links, e.g. "/pipeline/status/"
}

// Engine is the workflow engine.
type Engine struct {
	tasks     domain.TaskStore
	workflows domain.WorkflowStore
	accounts  domain.AccountStore
	analysis  domain.AnalysisService
	notifier  Notifier
	queue     JobQueue

	pollInterval time.Duration
	timeout      time.Duration
	maxAttempts  int
	requester    string
	statusPath   string
	now          func() time.Time
}

// NewEngine creates an engine and registers the process-account handler.
func NewEngine(cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.MaxWorkflowAttempts
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/pipeline/status/"
	}
	e := &Engine{
		tasks:        cfg.Tasks,
		workflows:    cfg.Workflows,
		accounts:     cfg.Accounts,
		analysis:     cfg.Analysis,
		notifier:     cfg.Notifier,
		queue:        cfg.Queue,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		maxAttempts:  cfg.MaxAttempts,
		requester:    cfg.Requester,
		statusPath:   cfg.StatusPath,
		now:          time.Now,
	}
	cfg.Queue.Handle(JobType, e.processAccount)
	cfg.Queue.OnExhausted(JobType, e.processExhausted)
	return e
}

// StartRequest asks for an investigation of one account.
type StartRequest struct {
	AccountID string `json:"accountId"`
	Force     bool   `json:"force,omitempty"`
	TokenID   string `json:"tokenId,omitempty"`
}

// StartResult is returned to the caller of StartInvestigation.
type StartResult struct {
	RequestID  string            `json:"requestId,omitempty"`
	TaskID     string            `json:"taskId"`
	Status     domain.TaskStatus `json:"status"`
	StatusLink string            `json:"statusLink"`
	Result     json.RawMessage   `json:"result,omitempty"`
}

// processPayload is the process-account job payload.
type processPayload struct {
	TaskID    string `json:"taskId"`
	RequestID string `json:"requestId"`
	AccountID string `json:"accountId"`
	Force     bool   `json:"force,omitempty"`
}

// StartInvestigation starts (or joins) the investigation of an account.
// Unless req.Force is set, a pending or processing task for the account is
// returned as-is and a complete one is returned with its result; no second
// job is enqueued.
func (e *Engine) StartInvestigation(ctx context.Context, req StartRequest) (*StartResult, error) {
	account := strings.TrimSpace(req.AccountID)
	if account == "" {
		return nil, domain.Validation("start investigation", domain.ErrAccountRequired)
	}

	task, created, err := e.tasks.FindOrCreateTask(ctx, account, req.Force)
	if err != nil {
		return nil, fmt.Errorf("start investigation %s: %w", account, err)
	}

	if !created {
		res := &StartResult{TaskID: task.ID, Status: domain.TaskProcessing, StatusLink: e.statusPath + task.ID}
		if st, err := e.workflows.FindWorkflowByTask(ctx, task.ID); err == nil {
			res.RequestID = st.RequestID
		}
		outcome := "deduplicated"
		if task.Status == domain.TaskComplete {
			res.Status, res.Result, outcome = domain.TaskComplete, task.Result, "cached"
		}
		metrics.InvestigationsStarted.WithLabelValues(outcome).Inc()
		log.Printf("[workflow] %s account=%s task=%s", outcome, account, task.ID)
		return res, nil
	}

	state := &domain.WorkflowState{
		RequestID:     uuid.New().String(),
		TargetAccount: account,
		TokenID:       strings.TrimSpace(req.TokenID),
		TaskID:        task.ID,
		Stage:         domain.StageContractRequest,
	}
	if state.TokenID == "" {
		state.TokenID = state.RequestID
	}
	if err := e.workflows.SaveWorkflow(ctx, state); err != nil {
		e.abandon(ctx, task.ID, err)
		return nil, fmt.Errorf("start investigation %s: %w", account, err)
	}

	_, err = e.queue.Enqueue(ctx, JobType, processPayload{
		TaskID:    task.ID,
		RequestID: state.RequestID,
		AccountID: account,
		Force:     req.Force,
	}, queue.WithUniqueKey(task.ID), queue.WithMaxAttempts(e.maxAttempts))
	if err != nil {
		e.abandon(ctx, task.ID, err)
		return nil, fmt.Errorf("enqueue investigation %s: %w", account, err)
	}

	metrics.InvestigationsStarted.WithLabelValues("started").Inc()
	log.Printf("[workflow] started account=%s task=%s request=%s force=%t", account, task.ID, state.RequestID, req.Force)
	return &StartResult{
		RequestID:  state.RequestID,
		TaskID:     task.ID,
		Status:     domain.TaskProcessing,
		StatusLink: e.statusPath + task.ID,
	}, nil
}

// abandon fails a freshly created task that never got a job, so the next
// start creates a new one instead of joining it.
func (e *Engine) abandon(ctx context.Context, taskID string, cause error) {
	msg := "could not schedule investigation: " + cause.Error()
	if _, err := e.tasks.UpdateTask(context.WithoutCancel(ctx), taskID, domain.TaskUpdate{
		Status: domain.StatusPtr(domain.TaskFailed),
		Error:  &msg,
	}); err != nil {
		log.Printf("[workflow] task=%s abandon: %v", taskID, err)
	}
}

// ProcessAnalysis moves state from CONTRACT_REQUEST to ANALYSIS by asking the
// analysis service to start. A state that already has an analysis task ID
// (a redelivered job) reuses it. On failure the attempt is counted, the error
// recorded and returned; there is no retry here.
func (e *Engine) ProcessAnalysis(ctx context.Context, state *domain.WorkflowState, force bool) (string, error) {
	if state.AnalysisTaskID != "" {
		if state.Stage == domain.StageContractRequest {
			state.Stage = domain.StageAnalysis
			if err := e.workflows.SaveWorkflow(ctx, state); err != nil {
				return "", err
			}
		}
		return state.AnalysisTaskID, nil
	}
	if state.Exhausted() {
		return "", fmt.Errorf("request %s: %w: %s", state.RequestID, domain.ErrWorkflowExhausted, state.Error)
	}

	id, err := e.analysis.StartAnalysis(ctx, state.TargetAccount, force)
	if err != nil {
		state.Attempts++
		state.Error = err.Error()
		if serr := e.workflows.SaveWorkflow(context.WithoutCancel(ctx), state); serr != nil {
			log.Printf("[workflow] request=%s save after failure: %v", state.RequestID, serr)
		}
		return "", err
	}

	state.AnalysisTaskID = id
	state.AnalysisStartedAt = e.now()
	state.Stage = domain.StageAnalysis
	if err := e.workflows.SaveWorkflow(ctx, state); err != nil {
		return "", err
	}
	return id, nil
}

// HandleWebhookUpdate turns an analysis update into a contract metadata
// delivery for the workflow owning taskID. taskID may be the local task ID
// or the analysis service's task ID. It returns the webhook ID.
func (e *Engine) HandleWebhookUpdate(ctx context.Context, taskID string, ev domain.WebhookEvent) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", domain.Validation("webhook update", domain.ErrTaskIDRequired)
	}
	if ev == nil {
		return "", domain.Validation("webhook update", domain.ErrUnknownWebhookType)
	}

	state, err := e.workflows.FindWorkflowByTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			return "", domain.NotFound("webhook update", fmt.Errorf("task %s: %w", taskID, domain.ErrTaskNotFound))
		}
		return "", err
	}

	update, err := BuildMetadataUpdate(state, ev, e.requester, e.now())
	if err != nil {
		return "", err
	}
	return e.notifier.AddToQueue(ctx, webhook.Notification{
		TaskID:    state.TaskID,
		AccountID: state.TargetAccount,
		Type:      ev.Type(),
		Metadata:  update,
	})
}

// GetStatus reports a workflow's outcome. It never modifies state.
func (e *Engine) GetStatus(ctx context.Context, requestID string) (*domain.WorkflowResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, domain.Validation("workflow status", errors.New("requestId is required"))
	}
	state, err := e.workflows.GetWorkflow(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			return nil, domain.NotFound("workflow status", err)
		}
		return nil, err
	}
	return &domain.WorkflowResult{Status: state.Outcome(), State: *state, Error: state.Error}, nil
}

// GetAccountRecord returns the last delivered metadata for an account.
func (e *Engine) GetAccountRecord(ctx context.Context, accountID string) (*domain.AccountRecord, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, domain.Validation("account record", domain.ErrAccountRequired)
	}
	rec, err := e.accounts.GetAccountRecord(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.NotFound("account record", err)
		}
		return nil, err
	}
	return rec, nil
}
